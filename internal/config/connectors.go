package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"
)

// resolveConnector turns a raw connector declaration into its final
// form: settings from the referenced YAML file with inline settings
// merged on top, inline values winning on conflict.
func (l *Loader) resolveConnector(name string, def ConnectorDef) (Connector, error) {
	connector := Connector{
		Name:     name,
		Type:     def.Type,
		Enabled:  def.Enabled == nil || *def.Enabled,
		Settings: map[string]any{},
	}
	if def.Gateway != nil {
		connector.GatewayEndpoint = def.Gateway.Endpoint
	}

	if def.ConfigFile != "" {
		fileSettings, err := loadConnectorFile(def.ConfigFile)
		if err != nil {
			return Connector{}, fmt.Errorf("connector %q: %w", name, err)
		}
		connector.Settings = fileSettings
	}
	if len(def.Settings) > 0 {
		if err := mergo.Merge(&connector.Settings, def.Settings, mergo.WithOverride); err != nil {
			return Connector{}, fmt.Errorf("connector %q: merge settings: %w", name, err)
		}
	}
	return connector, nil
}

func loadConnectorFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	settings := map[string]any{}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return settings, nil
}

// DecodeSettings maps a connector's free-form settings onto a typed
// struct. Connectors call this with their own settings type.
func DecodeSettings(settings map[string]any, into any) error {
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}
