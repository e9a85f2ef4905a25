package file

import "gopkg.in/yaml.v3"

func unmarshalConfig(raw []byte, out *Config) error {
	return yaml.Unmarshal(raw, out)
}
