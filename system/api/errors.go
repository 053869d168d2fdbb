package api

import (
	"errors"
	"strings"

	"github.com/cyfrworks/cyfr/system/errkind"
	"github.com/cyfrworks/cyfr/system/journal"
)

// classify recovers the §7 error kind from err. Most errors in this
// module are constructed with fmt.Errorf("<kind>: <detail>", ...) rather
// than a dedicated type (see policy.Error and httpcap's ErrDestinationBlocked
// for the exceptions, handled via errkind.Coded below), so the kind is the
// leading snake_case token before the first ": " wherever one is present.
func classify(err error) (kind errkind.Kind, message string) {
	if err == nil {
		return "", ""
	}

	var notFound *journal.ErrNotFound
	if errors.As(err, &notFound) {
		return errkind.Kind("not_found"), err.Error()
	}
	var forbidden *journal.ErrForbidden
	if errors.As(err, &forbidden) {
		return errkind.Kind("not_found"), "not found"
	}
	if errors.Is(err, ErrNotCancellable) {
		return errkind.Kind("not_cancellable"), err.Error()
	}

	if coded, ok := err.(errkind.Coded); ok {
		return coded.ErrorKind(), err.Error()
	}

	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx > 0 && isSnakeToken(msg[:idx]) {
		return errkind.Kind(msg[:idx]), msg
	}
	return errkind.KindInternal, msg
}

func isSnakeToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') {
			continue
		}
		return false
	}
	return true
}
