package domain

// Inbound is an SMS accepted by the webhook.
type Inbound struct {
	Sender        string
	Body          string
	To            string
	MessageSID    string
	CorrelationID string
}

// Outbound is an SMS handed to the transport.
type Outbound struct {
	To   string
	From string
	Body string
}
