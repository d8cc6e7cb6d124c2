package channel

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jmehdipour/incident-relay/internal/model"
)

func validateText(c model.Content, maxRunes int) error {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidContent)
	}
	if maxRunes > 0 {
		if n := utf8.RuneCountInString(text); n > maxRunes {
			return fmt.Errorf("%w: text is %d chars, limit %d", ErrInvalidContent, n, maxRunes)
		}
	}
	return nil
}

