package testkit

import (
	"encoding/json"
	"fmt"
)

// PaymentEvent builds a processor event body of the given type. amount may be
// zero to leave it out.
func PaymentEvent(eventID, eventType, intentID, email, donationID string, amount int64) []byte {
	object := map[string]any{
		"id":     intentID,
		"object": "payment_intent",
		"metadata": map[string]string{
			"user_email":  email,
			"donation_id": donationID,
		},
	}
	if amount > 0 {
		object["amount"] = amount
	}

	body, err := json.Marshal(map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": object},
	})
	if err != nil {
		panic(fmt.Sprintf("marshal payment event: %v", err))
	}
	return body
}
