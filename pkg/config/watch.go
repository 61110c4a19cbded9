package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/spf13/viper"
)

// WatchDeclarations calls apply with the declarations of path every time the file changes.
// Changes that fail to parse or validate are logged and skipped, the previous declarations stay
// in effect.
func WatchDeclarations(path string, log logr.Logger, apply func(*Declarations)) {
	v := viper.New()
	v.SetConfigFile(path)
	v.OnConfigChange(func(event fsnotify.Event) {
		decls, err := LoadDeclarations(path)
		if err != nil {
			log.Error(err, "Ignoring invalid declarations", "path", path)
			return
		}
		log.Info("Declarations changed", "path", path, "op", event.Op.String(), "sources", len(decls.Sources), "units", len(decls.Units))
		apply(decls)
	})
	v.WatchConfig()
}
