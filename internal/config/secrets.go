package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretPrefix marks a value that names an SSM parameter instead of holding
// the secret itself, e.g. "ssm:/affirmcall/telnyx/api-key".
const SecretPrefix = "ssm:"

// SecretGetter resolves a parameter name to its value.
type SecretGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ssmAPI is the subset of the SSM client used by ParamStore.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParamStore reads decrypted parameters from AWS SSM Parameter Store.
type ParamStore struct {
	api ssmAPI
}

var _ SecretGetter = (*ParamStore)(nil)

// NewParamStore wraps an SSM client.
func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("config: ssm api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

// OpenParamStore loads the default AWS configuration. An empty region defers
// to the environment.
func OpenParamStore(ctx context.Context, region string) (*ParamStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: load aws config: %w", err)
	}
	return NewParamStore(ssm.NewFromConfig(cfg))
}

// GetParameter returns the decrypted value of name.
func (p *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("config: parameter name is required")
	}
	withDecryption := true
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("config: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("config: parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// secretFields returns pointers to every field that may hold a secret
// reference.
func secretFields(cfg *Config) map[string]*string {
	fields := map[string]*string{
		"telephony.api_key":            &cfg.Telephony.APIKey,
		"telephony.webhook_public_key": &cfg.Telephony.WebhookPublicKey,
		"providers.stt.api_key":        &cfg.Providers.STT.APIKey,
		"store.postgres_dsn":           &cfg.Store.PostgresDSN,
		"events.nats_token":            &cfg.Events.NATSToken,
	}
	for i := range cfg.Providers.TTS {
		fields[fmt.Sprintf("providers.tts[%d].api_key", i)] = &cfg.Providers.TTS[i].APIKey
	}
	for i := range cfg.Providers.LLM {
		fields[fmt.Sprintf("providers.llm[%d].api_key", i)] = &cfg.Providers.LLM[i].APIKey
	}
	return fields
}

// HasSecretRefs reports whether any field of cfg holds an "ssm:" reference.
func HasSecretRefs(cfg *Config) bool {
	for _, v := range secretFields(cfg) {
		if strings.HasPrefix(*v, SecretPrefix) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every "ssm:" reference in cfg with the value
// returned by getter. All failures are reported together.
func ResolveSecrets(ctx context.Context, cfg *Config, getter SecretGetter) error {
	var errs []error
	for field, v := range secretFields(cfg) {
		ref, ok := strings.CutPrefix(*v, SecretPrefix)
		if !ok {
			continue
		}
		if getter == nil {
			errs = append(errs, fmt.Errorf("config: %s references %q but no secret store is configured", field, ref))
			continue
		}
		val, err := getter.GetParameter(ctx, ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: resolve %s: %w", field, err))
			continue
		}
		*v = val
	}
	return errors.Join(errs...)
}
