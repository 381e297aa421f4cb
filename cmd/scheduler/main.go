package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/labflowproject/labflow/internal/common"
	"github.com/labflowproject/labflow/internal/common/health"
	"github.com/labflowproject/labflow/internal/scheduler"
	"github.com/labflowproject/labflow/internal/scheduler/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.SchedulerConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/scheduler", userSpecifiedConfig)

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	healthChecks := health.NewMultiChecker()
	shutdownHealthServer := common.ServeHttp(config.HealthPort, health.NewHealthCheckHttpHandler(healthChecks))
	defer shutdownHealthServer()

	shutdownScheduler, err := scheduler.Serve(&config, healthChecks)
	if err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer shutdownScheduler()

	<-stopSignal
}
