// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// OAuthClientCredentials holds a single integration's OAuth2
// client-credentials grant settings, as used by the HTTP Client
// Layer's "oauth2" auth variant.
type OAuthClientCredentials struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// OAuthClientRegistry maps an integration name (e.g. "pagerduty",
// "jira") to its client-credentials configuration.
type OAuthClientRegistry map[string]OAuthClientCredentials

var envRefPattern = regexp.MustCompile(`^\$\{([A-Z0-9_]+)\}$`)

// LoadOAuthClientRegistry reads the registry YAML file at path,
// resolving "${ENV_VAR}" client_id and client_secret values against the
// process environment; token_url and scopes are taken as written.
// An empty path returns an empty registry rather than an error, since
// the registry is optional until a webhook node declares auth.type=oauth2.
func LoadOAuthClientRegistry(path string) (OAuthClientRegistry, error) {
	if path == "" {
		return OAuthClientRegistry{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth client registry %s: %w", path, err)
	}

	var registry OAuthClientRegistry
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("failed to parse oauth client registry %s: %w", path, err)
	}

	for name, creds := range registry {
		resolved, err := resolveEnvRefs(creds)
		if err != nil {
			return nil, fmt.Errorf("oauth client registry entry %q: %w", name, err)
		}
		registry[name] = resolved
	}

	return registry, nil
}

// Validate checks that every entry has the fields required to perform
// a client-credentials token request.
func (r OAuthClientRegistry) Validate() error {
	var errs []string
	for name, creds := range r {
		if creds.ClientID == "" {
			errs = append(errs, fmt.Sprintf("%s.client_id is required", name))
		}
		if creds.ClientSecret == "" {
			errs = append(errs, fmt.Sprintf("%s.client_secret is required", name))
		}
		if creds.TokenURL == "" {
			errs = append(errs, fmt.Sprintf("%s.token_url is required", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func resolveEnvRefs(creds OAuthClientCredentials) (OAuthClientCredentials, error) {
	clientID, err := resolveEnvRef(creds.ClientID)
	if err != nil {
		return creds, err
	}
	clientSecret, err := resolveEnvRef(creds.ClientSecret)
	if err != nil {
		return creds, err
	}
	creds.ClientID = clientID
	creds.ClientSecret = clientSecret
	return creds, nil
}

// resolveEnvRef substitutes a "${ENV_VAR}" value with the named
// environment variable. Values not matching that form are returned
// unchanged, allowing plain literals in local/dev registries.
func resolveEnvRef(value string) (string, error) {
	match := envRefPattern.FindStringSubmatch(value)
	if match == nil {
		return value, nil
	}

	envVar := match[1]
	resolved, ok := os.LookupEnv(envVar)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", envVar)
	}
	return resolved, nil
}
