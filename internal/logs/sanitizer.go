package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer wraps a zapcore.Core to mask credential material before it
// is written. The gateway handles bearer tokens, signed cookies, and IdP
// client secrets on nearly every request, so sanitizing at the core level is
// safer than auditing call sites.
type SecretSanitizer struct {
	zapcore.Core
	patterns      []*secretPattern
	resolvedCache *sync.Map // resolved secret values registered at runtime
}

type secretPattern struct {
	name     string
	regex    *regexp.Regexp
	maskFunc func(string) string
}

// NewSecretSanitizer creates a new sanitizing core that wraps the provided core
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	s := &SecretSanitizer{
		Core:          core,
		resolvedCache: &sync.Map{},
	}
	s.registerDefaultPatterns()
	return s
}

func (s *SecretSanitizer) registerDefaultPatterns() {
	// Authorization header values
	s.patterns = append(s.patterns, &secretPattern{
		name:  "bearer_token",
		regex: regexp.MustCompile(`\b(Bearer\s+[A-Za-z0-9\-\._~\+\/]+=*)\b`),
		maskFunc: func(token string) string {
			parts := strings.SplitN(token, " ", 2)
			if len(parts) != 2 || len(parts[1]) <= 4 {
				return "Bearer ****"
			}
			return "Bearer " + parts[1][:4] + "***" + parts[1][len(parts[1])-2:]
		},
	})

	// JWTs (IdP access tokens, session cookies, vended tokens)
	s.patterns = append(s.patterns, &secretPattern{
		name:  "jwt",
		regex: regexp.MustCompile(`\b(eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+)\b`),
		maskFunc: func(jwt string) string {
			parts := strings.Split(jwt, ".")
			if len(parts) != 3 || len(parts[2]) < 4 {
				return "****"
			}
			// Header stays readable so the algorithm is still debuggable.
			return parts[0] + ".***." + parts[2][len(parts[2])-4:]
		},
	})

	// AWS access key IDs
	s.patterns = append(s.patterns, &secretPattern{
		name:  "aws_key",
		regex: regexp.MustCompile(`\b(AKIA[0-9A-Z]{16})\b`),
		maskFunc: func(key string) string {
			return key[:8] + "***" + key[len(key)-2:]
		},
	})

	// Keycloak/Cognito client secrets in query strings or key=value dumps
	s.patterns = append(s.patterns, &secretPattern{
		name:  "client_secret_param",
		regex: regexp.MustCompile(`(client_secret=)([^&\s"]+)`),
		maskFunc: func(match string) string {
			idx := strings.Index(match, "=")
			if idx < 0 || len(match)-idx-1 <= 4 {
				return "client_secret=****"
			}
			value := match[idx+1:]
			return "client_secret=" + maskValue(value)
		},
	})
}

// RegisterResolvedSecret registers a secret value that was resolved from the
// keyring or environment so its literal bytes are masked wherever they show up.
func (s *SecretSanitizer) RegisterResolvedSecret(value string) {
	if len(value) < 4 {
		return
	}
	s.resolvedCache.Store(value, true)
}

// UnregisterResolvedSecret removes a secret from the mask cache
func (s *SecretSanitizer) UnregisterResolvedSecret(value string) {
	s.resolvedCache.Delete(value)
}

func (s *SecretSanitizer) sanitizeString(str string) string {
	result := str

	s.resolvedCache.Range(func(key, _ interface{}) bool {
		secretValue, ok := key.(string)
		if !ok || len(secretValue) < 8 {
			return true
		}
		result = strings.ReplaceAll(result, secretValue, maskValue(secretValue))
		return true
	})

	for _, pattern := range s.patterns {
		result = pattern.regex.ReplaceAllStringFunc(result, pattern.maskFunc)
	}

	return result
}

// Write sanitizes the entry before writing
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.sanitizeString(entry.Message)

	sanitizedFields := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitizedFields[i] = s.sanitizeField(field)
	}

	return s.Core.Write(entry, sanitizedFields)
}

func (s *SecretSanitizer) sanitizeField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = s.sanitizeString(field.String)
	case zapcore.ByteStringType:
		if b, ok := field.Interface.([]byte); ok {
			field.Interface = []byte(s.sanitizeString(string(b)))
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			sanitized := s.sanitizeString(err.Error())
			if sanitized != err.Error() {
				field = zapcore.Field{
					Key:    field.Key,
					Type:   zapcore.StringType,
					String: sanitized,
				}
			}
		}
	}
	return field
}

// With creates a sanitizing child core sharing the same mask cache.
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	sanitizedFields := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitizedFields[i] = s.sanitizeField(field)
	}
	return &SecretSanitizer{
		Core:          s.Core.With(sanitizedFields),
		patterns:      s.patterns,
		resolvedCache: s.resolvedCache,
	}
}

// Check delegates to the wrapped core
func (s *SecretSanitizer) Check(entry zapcore.Entry, checkedEntry *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checkedEntry.AddCore(entry, s)
	}
	return checkedEntry
}

// maskValue masks a secret value showing first 3 and last 2 characters
func maskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
