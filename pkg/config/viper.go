package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var defaultClientPath = filepath.Join("config", "client.json")

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CLASSNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readFile loads path into v. A missing file is not an error: defaults and
// env still apply.
func readFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".yaml", ".yml":
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
