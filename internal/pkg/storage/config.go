package storage

import (
	"sync"

	"github.com/spf13/viper"
)

var configOnce sync.Once

func initConfigDefaults() {
	viper.SetDefault("storage.memory_limit", 0)
	viper.SetDefault("storage.filter.methods", []string{})
	viper.SetDefault("storage.filter.payload", "")
	viper.SetDefault("storage.match.invite", false)
	viper.SetDefault("storage.match.complete", false)
	viper.SetDefault("capture.limit", 0)
}

// OptionsFromConfig reads the storage option surface from viper.
func OptionsFromConfig() Options {
	configOnce.Do(initConfigDefaults)
	return Options{
		MemoryLimit:    viper.GetInt64("storage.memory_limit"),
		MaxCalls:       viper.GetInt("capture.limit"),
		Methods:        viper.GetStringSlice("storage.filter.methods"),
		PayloadPattern: viper.GetString("storage.filter.payload"),
		InviteOnly:     viper.GetBool("storage.match.invite"),
		CompleteOnly:   viper.GetBool("storage.match.complete"),
	}
}
