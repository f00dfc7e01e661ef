package query

import (
	"context"
	"errors"
	"testing"

	"github.com/woozymasta/zond/internal/models"
)

var errDown = errors.New("i/o timeout")

type attempt struct {
	ip   string
	port int
}

// stubClient records single-port attempts and answers only on the given ports.
func stubClient(fallbackPort int, answering map[int]*models.Status, attempts *[]attempt) *Client {
	return &Client{
		fallbackPort: fallbackPort,
		queryPort: func(ip string, port int) (*models.Status, error) {
			*attempts = append(*attempts, attempt{ip: ip, port: port})
			if status, ok := answering[port]; ok {
				return status, nil
			}
			return nil, errDown
		},
	}
}

func TestProbeAdvertisedPortAnswers(t *testing.T) {
	var attempts []attempt
	c := stubClient(23000, map[int]*models.Status{14567: {Name: "srv"}}, &attempts)

	result, err := c.Probe(context.Background(), models.ServerKey{IP: "192.0.2.1", Port: 14567}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Port != 14567 || result.Fallback {
		t.Fatalf("expected untagged advertised-port success, got %+v", result)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(attempts))
	}
}

func TestProbeFallsBackToCanonicalPort(t *testing.T) {
	var attempts []attempt
	c := stubClient(23000, map[int]*models.Status{23000: {Name: "srv"}}, &attempts)

	result, err := c.Probe(context.Background(), models.ServerKey{IP: "192.0.2.1", Port: 14567}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Port != 23000 || !result.Fallback {
		t.Fatalf("expected tagged fallback success on 23000, got %+v", result)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected two attempts, got %d", len(attempts))
	}
}

func TestProbeSkipsSecondAttemptWhenPortsEqual(t *testing.T) {
	var attempts []attempt
	c := stubClient(23000, nil, &attempts)

	_, err := c.Probe(context.Background(), models.ServerKey{IP: "192.0.2.1", Port: 23000}, 0)
	if err == nil {
		t.Fatal("expected failure")
	}

	if len(attempts) != 1 {
		t.Fatalf("advertised == fallback must not retry, got %d attempts", len(attempts))
	}
}

func TestProbeBothPortsFailReturnsPrimaryError(t *testing.T) {
	var attempts []attempt
	c := stubClient(23000, nil, &attempts)

	_, err := c.Probe(context.Background(), models.ServerKey{IP: "192.0.2.1", Port: 14567}, 0)
	if !errors.Is(err, errDown) {
		t.Fatalf("expected primary error, got %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected two attempts, got %d", len(attempts))
	}
}

func TestProbePreferredFallbackRetriesAdvertised(t *testing.T) {
	// The fallback port answered last time, so it is tried first. When it
	// goes silent the advertised port is the remaining candidate.
	var attempts []attempt
	c := stubClient(23000, map[int]*models.Status{14567: {Name: "srv"}}, &attempts)

	result, err := c.Probe(context.Background(), models.ServerKey{IP: "192.0.2.1", Port: 14567}, 23000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if attempts[0].port != 23000 {
		t.Fatalf("expected preferred port first, got %d", attempts[0].port)
	}
	if result.Port != 14567 || result.Fallback {
		t.Fatalf("advertised-port success must not be tagged fallback, got %+v", result)
	}
}

func TestProbeCancelledContextStopsSecondAttempt(t *testing.T) {
	var attempts []attempt
	c := stubClient(23000, map[int]*models.Status{23000: {Name: "srv"}}, &attempts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Probe(ctx, models.ServerKey{IP: "192.0.2.1", Port: 14567}, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected no second attempt after cancel, got %d", len(attempts))
	}
}
