package config

import (
	"bytes"
	"strings"

	"github.com/fatih/structs"
	"github.com/jeremywohl/flatten"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const fileName = "config"

// Parse decodes T from three layers, lowest first: the defaults document,
// the first config.yaml found in paths, and environment variables named
// after the dotted key with "." replaced by "_" (tpm.handle -> TPM_HANDLE).
// A missing config.yaml is not an error.
func Parse[T any](paths []string, defaults []byte) (*T, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if len(defaults) > 0 {
		if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
			return nil, errors.Wrap(err, "config: read defaults")
		}
	}

	v.SetConfigName(fileName)
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.MergeInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, errors.Wrap(err, "config: read config file")
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvKeys[T](v); err != nil {
		return nil, err
	}

	c := new(T)
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	return c, nil
}

// AutomaticEnv only sees keys viper already knows about, so every leaf of T
// is bound explicitly (spf13/viper#761).
func bindEnvKeys[T any](v *viper.Viper) error {
	var zero T
	flat, err := flatten.Flatten(structs.Map(zero), "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "config: flatten keys")
	}
	for key := range flat {
		if err := v.BindEnv(key); err != nil {
			return errors.Wrapf(err, "config: bind env %s", key)
		}
	}
	return nil
}
