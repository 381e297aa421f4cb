package common

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const baseConfigFileName = "config"

// LoadConfig reads the application config from configPath, applies an
// optional user-specified override file on top and finally environment
// variables prefixed with LABFLOW_. The process exits if the base config
// cannot be read or unmarshalled.
func LoadConfig(config interface{}, configPath string, overrideConfig string) {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(configPath)
	if err := v.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	if overrideConfig != "" {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("LABFLOW")
	v.AutomaticEnv()

	if err := v.Unmarshal(config); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// ServeMetrics exposes the prometheus metrics endpoint on the given port.
// The returned function shuts the server down.
func ServeMetrics(port uint16) (shutdown func()) {
	return ServeHttp(port, promhttp.Handler())
}

// ServeHttp starts an http server serving the given handler on the given port
// and returns a function that shuts it down.
func ServeHttp(port uint16, handler http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		log.Infof("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	return func() {
		time.Sleep(100 * time.Millisecond)
		log.Infof("Stopping http server listening on %d", port)
		e := srv.Close()
		if e != nil {
			panic(e)
		}
	}
}
