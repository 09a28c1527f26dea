package cli

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

const configName = "iced"

// defaultZapConfig is logging configuration that is used when agent.log
// does not override it.
func defaultZapConfig(development bool) zap.Config {
	if development {
		return zap.NewDevelopmentConfig()
	}
	return zap.Config{
		DisableCaller:     true,
		DisableStacktrace: true,
		Level:             zap.NewAtomicLevel(),
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.EpochTimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// getZapConfig decodes agent.log section of configuration file or of
// default configuration if no file is used. Viper lowercases keys, so
// the section is decoded by yaml directly.
func getZapConfig(v *viper.Viper) (zap.Config, error) {
	var raw struct {
		Agent struct {
			Log zap.Config `yaml:"log"`
		} `yaml:"agent"`
	}
	raw.Agent.Log = defaultZapConfig(v.GetBool("agent.development"))
	buf := []byte(defaultConfigFileContent)
	if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
		var err error
		if buf, err = ioutil.ReadFile(cfgPath); err != nil { // #nosec
			return raw.Agent.Log, errors.Wrap(err, "failed to read config file")
		}
	}
	if err := yaml.Unmarshal(buf, &raw); err != nil {
		return raw.Agent.Log, errors.Wrap(err, "failed to decode log config")
	}
	if lvl := v.GetString("agent.log.level"); lvl != "" {
		// Level can be overridden by flag or environment.
		if err := raw.Agent.Log.Level.UnmarshalText([]byte(lvl)); err != nil {
			return raw.Agent.Log, err
		}
	}
	return raw.Agent.Log, nil
}

// getLogger builds logger from configuration and returns its level that
// can be changed on reload.
func getLogger(v *viper.Viper) (*zap.Logger, zap.AtomicLevel) {
	logCfg, logErr := getZapConfig(v)
	if logErr != nil {
		panic(logErr)
	}
	l, buildErr := logCfg.Build()
	if buildErr != nil {
		panic(buildErr)
	}
	return l, logCfg.Level
}

func mustBind(err error) {
	if err != nil {
		panic(fmt.Sprintln("failed to bind:", err))
	}
}

// TODO: Remove global state.
var cfgFile string

// initConfigSnap puts default config file to snap data directory if
// there is none and adds it to config search path.
func initConfigSnap(v *viper.Viper) error {
	cfgRoot := os.Getenv("SNAP_USER_DATA")
	stat, err := os.Stat(cfgRoot)
	if err != nil {
		return errors.Wrap(err, "failed to stat config directory")
	}
	if !stat.IsDir() {
		return errors.Errorf("%s is not directory", cfgRoot)
	}
	cfgPath := filepath.Join(cfgRoot, configName+".yml")
	if _, err = os.Stat(cfgPath); os.IsNotExist(err) {
		if err = ioutil.WriteFile(cfgPath, []byte(defaultConfigFileContent), 0600); err != nil {
			return errors.Wrap(err, "failed to write default config file")
		}
	} else if err != nil {
		return errors.Wrap(err, "failed to stat config file")
	}
	v.AddConfigPath(cfgRoot)
	return nil
}

func initConfigCommon(v *viper.Viper) error {
	home, err := homedir.Dir()
	if err != nil {
		return errors.Wrap(err, "failed to find home directory")
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/iced/")
	v.AddConfigPath(home)
	return nil
}

// initConfig reads config either from cfgFile or from search path,
// falling back to default configuration.
func initConfig(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		var err error
		if os.Getenv("SNAP_NAME") != "" {
			err = initConfigSnap(v)
		} else {
			err = initConfigCommon(v)
		}
		if err != nil {
			return err
		}
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
	}
	cfgErr := v.ReadInConfig()
	if _, ok := cfgErr.(viper.ConfigFileNotFoundError); ok {
		v.SetConfigType("yaml")
		cfgErr = v.ReadConfig(strings.NewReader(defaultConfigFileContent))
	}
	return errors.Wrap(cfgErr, "failed to read config")
}

func initViper(v *viper.Viper) {
	v.SetDefault("version", "1")
	v.SetDefault("agent.components", []int{1})
	v.SetDefault("agent.role", "controlling")
	v.SetDefault("agent.reuseport", true)
	v.SetDefault(keySignalingKind, "stdio")
	v.SetDefault("signaling.redis.channel", "iced")

	// ICED_AGENT_ROLE=controlled overrides agent.role.
	v.SetEnvPrefix(configName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Execute starts root command.
func Execute() {
	v := viper.New()
	initViper(v)
	rootCmd := getRoot(v)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
