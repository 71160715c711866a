package uploader

// Outcome is the classification of one upload request.
type Outcome int

const (
	// Success is a 2xx or 3xx response.
	Success Outcome = iota
	// ClientError is a 4xx response.
	ClientError
	// ServerError is a 5xx response.
	ServerError
	// TransportError means no usable response: connection, TLS, timeout or
	// an out-of-range status.
	TransportError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case ClientError:
		return "client_error"
	case ServerError:
		return "server_error"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Classify maps an HTTP status code to an Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status <= 399:
		return Success
	case status >= 400 && status <= 499:
		return ClientError
	case status >= 500 && status <= 599:
		return ServerError
	default:
		return TransportError
	}
}
