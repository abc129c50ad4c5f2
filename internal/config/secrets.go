package config

import (
	"maps"
	"slices"
)

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use it whenever the active configuration is
// logged or printed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Relay.AuthKey)

	out.Signer.PrivateKeys = redactAll(cfg.Signer.PrivateKeys)
	out.Signer.KeyFiles = slices.Clone(cfg.Signer.KeyFiles)
	out.Signer.KMSKeyIDs = slices.Clone(cfg.Signer.KMSKeyIDs)
	redact(&out.Signer.KeyPassword)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Server.APIKey)

	// Copy reference types so mutations to the redacted copy do not reach
	// the original.
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Feed.Pairs = slices.Clone(cfg.Feed.Pairs)
	out.Scanner.Strategies = slices.Clone(cfg.Scanner.Strategies)
	out.Scanner.StartAssets = slices.Clone(cfg.Scanner.StartAssets)
	out.Scanner.NativePrice = maps.Clone(cfg.Scanner.NativePrice)
	out.Evaluator.VenueFeeBps = maps.Clone(cfg.Evaluator.VenueFeeBps)
	out.Bundle.Routers = maps.Clone(cfg.Bundle.Routers)
	out.Bundle.Tokens = maps.Clone(cfg.Bundle.Tokens)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func redactAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = s
		redact(&out[i])
	}
	return out
}
