// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SettingsPathSeparator separates the yaml keys of nested configuration fields in a setting,
// e.g. "optimizer.learning_rate=0.01".
const SettingsPathSeparator = "."

// ParseSettings from settings -- typically the contents of a flag set by the user -- into cfg, which
// must be a pointer to a configuration struct with yaml tags.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// Each parameter is the yaml path of the field to set, e.g. "moving_average=true" or
// "optimizer.learning_rate=0.01". The current value of the field defines the type to which the
// string value is parsed to. Unknown parameters or values of the wrong type are reported as errors,
// and in that case cfg is left untouched: settings are applied all or nothing.
//
// For integer fields, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000. List fields take either a yaml flow sequence ("[0,1]") or
// a comma separated list ("0,1").
//
// Example usage:
//
//	cfg := syncgroup.DefaultConfig()
//	err := commandline.ParseSettings(&cfg, "devices=0,1,2,3;optimizer.name=sgd")
func ParseSettings(cfg any, settings string) error {
	cfgValue := reflect.ValueOf(cfg)
	if cfgValue.Kind() != reflect.Pointer || cfgValue.IsNil() {
		return errors.Errorf("configuration must be a non-nil pointer, got %T", cfg)
	}
	var root yaml.Node
	if err := root.Encode(cfg); err != nil {
		return errors.Wrapf(err, "can't encode configuration %T", cfg)
	}
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = *root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return errors.Errorf("configuration %T is not a struct or a map, it can't take settings", cfg)
	}

	// Settings are decoded into a copy, and only copied back if all of them succeed.
	updated := reflect.New(cfgValue.Elem().Type())
	updated.Elem().Set(cfgValue.Elem())
	var changed bool
	settingsList := strings.Split(settings, ";")
	for _, setting := range settingsList {
		if strings.TrimSpace(setting) == "" {
			continue
		}
		paramPath, valueStr, found := strings.Cut(setting, "=")
		if !found {
			return errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
				settings, setting)
		}
		paramPath = strings.TrimSpace(paramPath)
		parent, idx, err := findSetting(&root, paramPath)
		if err != nil {
			return err
		}
		current := parent.Content[idx]
		value, err := parseSettingValue(current, valueStr)
		if err != nil {
			return errors.WithMessagef(err, "failed to parse value %q for parameter %q (current value is %s)",
				valueStr, paramPath, nodeString(current))
		}
		parent.Content[idx] = value
		if err = root.Decode(updated.Interface()); err != nil {
			return errors.Wrapf(err, "failed to set parameter %q to %q (current value is %s)",
				paramPath, valueStr, nodeString(current))
		}
		changed = true
	}
	if changed {
		cfgValue.Elem().Set(updated.Elem())
	}
	return nil
}

// findSetting returns the mapping node holding the value for paramPath, and the index of the value in
// its contents.
func findSetting(root *yaml.Node, paramPath string) (parent *yaml.Node, idx int, err error) {
	node := root
	parts := strings.Split(paramPath, SettingsPathSeparator)
	for partIdx, key := range parts {
		if node.Kind != yaml.MappingNode {
			return nil, 0, errors.Errorf("can't set parameter %q: %q is not a nested configuration",
				paramPath, strings.Join(parts[:partIdx], SettingsPathSeparator))
		}
		idx = -1
		for ii := 0; ii+1 < len(node.Content); ii += 2 {
			if node.Content[ii].Value == key {
				idx = ii + 1
				break
			}
		}
		if idx < 0 {
			return nil, 0, errors.Errorf("can't set parameter %q because the param %q is not known", paramPath, key)
		}
		parent = node
		node = node.Content[idx]
	}
	return parent, idx, nil
}

// parseSettingValue parses valueStr to a node of the same kind as current.
func parseSettingValue(current *yaml.Node, valueStr string) (*yaml.Node, error) {
	valueStr = strings.TrimSpace(valueStr)
	switch current.Kind {
	case yaml.ScalarNode:
		switch current.Tag {
		case "!!str":
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: valueStr}, nil
		case "!!int":
			valueStr = strings.ReplaceAll(valueStr, "_", "")
		}
	case yaml.SequenceNode:
		if !strings.HasPrefix(valueStr, "[") {
			valueStr = "[" + valueStr + "]"
		}
	default:
		return nil, errors.Errorf("don't know how to parse a value for a yaml node of kind %d", current.Kind)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(valueStr), &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("empty value")
	}
	value := doc.Content[0]
	if value.Kind != current.Kind {
		return nil, errors.Errorf("value is a yaml node of kind %d, wanted kind %d", value.Kind, current.Kind)
	}
	// yaml silently truncates floats decoded into integers.
	if current.ShortTag() == "!!int" && value.ShortTag() != "!!int" {
		return nil, errors.Errorf("value is a %s, wanted an integer", value.ShortTag())
	}
	return value, nil
}

func nodeString(n *yaml.Node) string {
	out, err := yaml.Marshal(n)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return strings.TrimSpace(string(out))
}

// SprintSettings pretty-prints the configuration as yaml, indented for logging.
func SprintSettings(cfg any) string {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Sprintf("<failed to marshal %T: %v>", cfg, err)
	}
	return "\t" + strings.ReplaceAll(strings.TrimSpace(string(out)), "\n", "\n\t")
}
