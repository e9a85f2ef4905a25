package config

import "gopkg.in/yaml.v3"

func unmarshalYAML(raw []byte, out interface{}) error {
	return yaml.Unmarshal(raw, out)
}
