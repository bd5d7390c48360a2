package storage

import (
	"fmt"
	"io"
	"log/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func paymentEvent(email, donationID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt_%[2]s","type":"payment_intent.succeeded","data":{"object":{"id":"pi_%[2]s","metadata":{"user_email":%[1]q,"donation_id":%[2]q}}}}`,
		email, donationID,
	))
}
