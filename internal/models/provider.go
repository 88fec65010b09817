package models

import "strings"

// Provider selects the outbound channel used for an agent reply.
type Provider string

const (
	ProviderSupport   Provider = "SUPPORT"
	ProviderGoogle    Provider = "GOOGLE"
	ProviderMicrosoft Provider = "MICROSOFT"
)

// ParseProvider maps a request value to a Provider.
func ParseProvider(value string) (Provider, error) {
	switch p := Provider(strings.ToUpper(strings.TrimSpace(value))); p {
	case ProviderSupport, ProviderGoogle, ProviderMicrosoft:
		return p, nil
	}
	return "", ErrInvalidProvider
}

// RequiresLinkedAccount reports whether the provider sends from an agent's OAuth mailbox.
func (p Provider) RequiresLinkedAccount() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}
