package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/thanoskit/tokenbroker/internal/autherr"
	"gopkg.in/yaml.v3"
)

// ServiceAccount is a service account key document. Both the JSON form issued
// by the identity provider and an equivalent YAML document are accepted.
type ServiceAccount struct {
	Type                    string `json:"type,omitempty" yaml:"type"`
	ProjectID               string `json:"project_id,omitempty" yaml:"project_id"`
	PrivateKeyID            string `json:"private_key_id,omitempty" yaml:"private_key_id"`
	PrivateKey              string `json:"private_key,omitempty" yaml:"private_key"`
	ClientEmail             string `json:"client_email" yaml:"client_email"`
	ClientID                string `json:"client_id,omitempty" yaml:"client_id"`
	AuthURI                 string `json:"auth_uri,omitempty" yaml:"auth_uri"`
	TokenURI                string `json:"token_uri" yaml:"token_uri"`
	AuthProviderX509CertURL string `json:"auth_provider_x509_cert_url,omitempty" yaml:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `json:"client_x509_cert_url,omitempty" yaml:"client_x509_cert_url"`
	UniverseDomain          string `json:"universe_domain,omitempty" yaml:"universe_domain"`
}

const serviceAccountType = "service_account"

// ParseServiceAccount decodes a service account document in either JSON or
// YAML form.
func ParseServiceAccount(data []byte) (ServiceAccount, error) {
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == 0 {
		return ServiceAccount{}, autherr.Configuration("service account document is empty")
	}

	var sa ServiceAccount
	var err error
	if strings.HasPrefix(trimmed, "{") {
		// yaml.v3 rejects tab indentation, which is common in JSON documents
		err = json.Unmarshal(data, &sa)
	} else {
		err = yaml.Unmarshal(data, &sa)
	}
	if err != nil {
		return ServiceAccount{}, &autherr.Error{
			Kind:    autherr.KindConfiguration,
			Message: "invalid service account document",
			Err:     err,
		}
	}

	return sa, nil
}

// ReadServiceAccountFile reads and decodes a service account document from
// disk.
func ReadServiceAccountFile(path string) (ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccount{}, &autherr.Error{
			Kind:    autherr.KindConfiguration,
			Message: fmt.Sprintf("reading service account file %q", path),
			Err:     err,
		}
	}
	return ParseServiceAccount(data)
}

func (sa ServiceAccount) validate(externalKey bool) error {
	if sa.Type != "" && sa.Type != serviceAccountType {
		return autherr.Configuration(fmt.Sprintf("unsupported credential type %q, expected %q", sa.Type, serviceAccountType))
	}

	mandatory := []struct{ name, value string }{
		{"client_email", sa.ClientEmail},
		{"token_uri", sa.TokenURI},
	}
	if !externalKey {
		mandatory = append(mandatory, struct{ name, value string }{"private_key", sa.PrivateKey})
	}

	for _, f := range mandatory {
		if strings.TrimSpace(f.value) == "" {
			return autherr.Configuration(fmt.Sprintf("mandatory field `%s` is missing in the service account document", f.name))
		}
	}

	return nil
}
