// Package calendar queries the observatory reservation calendar.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"observatory-jobs/core/models"
)

// timeLayout is the instant format the calendar expects, UTC with a Z suffix.
const timeLayout = "2006-01-02T15:04:05Z"

// Client is the HTTP client of the calendar service. It implements
// authz.ReservationSource.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a client for the calendar rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

type eventAtTimeRequest struct {
	Site string `json:"site"`
	Time string `json:"time"`
}

// ActiveReservations returns the reservations covering at for site.
func (c *Client) ActiveReservations(ctx context.Context, site string, at time.Time) ([]models.Reservation, error) {
	var out []models.Reservation
	err := c.post(ctx, c.baseURL+"/get-event-at-time", eventAtTimeRequest{
		Site: site,
		Time: at.UTC().Format(timeLayout),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, u string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		rb, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("POST %s => %d: %s", u, res.StatusCode, string(rb))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
