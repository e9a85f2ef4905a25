package config

// Common is the set of handler-selection fields every handlers/*.yml file
// carries regardless of handler type, per spec.md §3's Handler data model
// and §4.9's HandlerSpec{host_regex, path_prefix, allow_rules, server_ref}.
// Each handler package decodes the same YAML document twice: once into its
// own handler-specific struct (which embeds Common inline) and once, via
// DecodeCommon, by the loader to pick which server and factory apply
// before the specific type is even known.
type Common struct {
	Handler    string   `yaml:"handler"`
	Server     string   `yaml:"server"`
	Host       string   `yaml:"host"`
	Base       string   `yaml:"base"`
	AllowRules []string `yaml:"allow_rules"`
}

// DecodeCommon extracts the dispatch fields from a handlers/*.yml document
// without needing to know the handler-specific schema yet.
func DecodeCommon(raw []byte) (Common, error) {
	var c Common
	if err := unmarshalYAML(raw, &c); err != nil {
		return Common{}, err
	}
	if c.Host == "" {
		c.Host = ".*"
	}
	return c, nil
}
