package transmission

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hekmon/transmissionrpc/v2"

	"github.com/s0up4200/mamlarr/torrent"
)

// classify maps transmissionrpc failures onto the torrent sentinels. The
// library reports non-200 replies as HTTPStatusCode and transport failures
// as a wrapped *url.Error.
func classify(op string, err error) error {
	var status transmissionrpc.HTTPStatusCode
	if errors.As(err, &status) {
		code := int(status)
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			return fmt.Errorf("%s: %w: HTTP %d", op, torrent.ErrAuthentication, code)
		}
		return &torrent.APIError{
			Client:     clientName,
			StatusCode: code,
			Message:    err.Error(),
			Hint:       torrent.HintForStatus(code),
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w: %v", op, torrent.ErrUnreachable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
