package server

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	veil "github.com/openanonymity/veil/internal"
)

const (
	maxContentLen = 50_000
	maxMessages   = 100
)

var (
	idPattern        = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	modelSidePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

func validateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: malformed %s id", veil.ErrBadRequest, kind)
	}
	return nil
}

func validateModels(models []string) error {
	if len(models) == 0 {
		return fmt.Errorf("%w: no models requested", veil.ErrBadRequest)
	}
	for _, ms := range models {
		provider, model, err := veil.SplitModel(ms)
		if err != nil {
			return err
		}
		if !modelSidePattern.MatchString(provider) || !modelSidePattern.MatchString(model) {
			return fmt.Errorf("%w: malformed model %q", veil.ErrBadRequest, ms)
		}
	}
	return nil
}

// checkModels validates model syntax and, when a catalog is configured,
// membership. Catalog provider names are matched case-insensitively; model
// tags exactly.
func (s *server) checkModels(models []string) error {
	if err := validateModels(models); err != nil {
		return err
	}
	if len(s.deps.Catalog) == 0 {
		return nil
	}
	for _, ms := range models {
		provider, model, _ := veil.SplitModel(ms)
		if !catalogHas(s.deps.Catalog, provider, model) {
			return fmt.Errorf("%w: model %q is not offered", veil.ErrBadRequest, ms)
		}
	}
	return nil
}

func catalogHas(cat map[string][]string, provider, model string) bool {
	for name, tags := range cat {
		if !strings.EqualFold(name, provider) {
			continue
		}
		for _, tag := range tags {
			if tag == model {
				return true
			}
		}
	}
	return false
}

// validateMessages checks the message array and returns a copy with content
// HTML-escaped for safe logging and storage.
func validateMessages(msgs []veil.Message) ([]veil.Message, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: empty messages", veil.ErrBadRequest)
	}
	if len(msgs) > maxMessages {
		return nil, fmt.Errorf("%w: too many messages (max %d)", veil.ErrBadRequest, maxMessages)
	}
	out := make([]veil.Message, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return nil, fmt.Errorf("%w: invalid role %q", veil.ErrBadRequest, m.Role)
		}
		if len(m.Content) > maxContentLen {
			return nil, fmt.Errorf("%w: content exceeds %d characters", veil.ErrBadRequest, maxContentLen)
		}
		out[i] = veil.Message{Role: m.Role, Content: html.EscapeString(m.Content)}
	}
	return out, nil
}
