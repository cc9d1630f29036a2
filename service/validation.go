package service

import (
	"regexp"
	"strings"
)

var hexColorRegex = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// ValidatePlacement checks the client-controlled parts of a pixel write.
func (s *Service) ValidatePlacement(x, y int, color string) error {
	if x < 0 || x >= s.Limits.GridWidth || y < 0 || y >= s.Limits.GridHeight {
		return ErrOutOfBounds
	}
	if !hexColorRegex.MatchString(color) {
		return ErrInvalidColor
	}
	return nil
}

// ValidateCell checks coordinates only, used by erase where no color travels.
func (s *Service) ValidateCell(x, y int) error {
	if x < 0 || x >= s.Limits.GridWidth || y < 0 || y >= s.Limits.GridHeight {
		return ErrOutOfBounds
	}
	return nil
}

// ValidateChatContent normalizes and checks a chat message body.
// Returns the trimmed content.
func (s *Service) ValidateChatContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrChatEmpty
	}
	// Length is counted in runes so multibyte text is not penalized
	if len([]rune(trimmed)) > s.Limits.ChatMaxLength {
		return "", ErrChatTooLong
	}
	return trimmed, nil
}
