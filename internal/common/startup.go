package common

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/bvenu-lab/mangalm-ingest/internal/common/config"
)

const baseConfigFileName = "config"

// BindCommandlineArguments makes all command line flags available through viper.
func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads config.yaml from defaultPath, merges any override config
// files on top of it in order, applies environment variable overrides and
// unmarshals the result into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		err := v.MergeInConfig()
		if err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("BULKINGESTER")
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	return v
}

func ConfigureLogging() {
	log.SetLevel(readEnvironmentLogLevel())
	log.SetFormatter(readEnvironmentLogFormat())
	log.SetOutput(os.Stdout)
}

func readEnvironmentLogLevel() log.Level {
	level, ok := os.LookupEnv("LOG_LEVEL")
	if ok {
		logLevel, err := log.ParseLevel(level)
		if err == nil {
			return logLevel
		}
	}
	return log.InfoLevel
}

func readEnvironmentLogFormat() log.Formatter {
	format, ok := os.LookupEnv("LOG_FORMAT")
	if !ok {
		format = "colourful"
	}
	switch strings.ToLower(format) {
	case "json":
		return &log.JSONFormatter{}
	case "colourful":
		return &log.TextFormatter{ForceColors: true, FullTimestamp: true}
	case "text":
		return &log.TextFormatter{DisableColors: true, FullTimestamp: true}
	default:
		fmt.Fprintf(os.Stderr, "Unknown log format %s, defaulting to colourful format\n", format)
		return &log.TextFormatter{ForceColors: true, FullTimestamp: true}
	}
}
