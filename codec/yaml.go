package codec

import "gopkg.in/yaml.v3"

// YAMLEncode marshals v with yaml.v3.
func YAMLEncode(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

// YAMLDecode unmarshals a YAML payload into v.
func YAMLDecode(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}
