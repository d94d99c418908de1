package liaison

// Transport is the broker connection the liaison talks through. Publish is
// fire-and-forget; delivery problems are the transport's to log.
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload []byte)
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
	Messages() <-chan Message
	IsConnected() bool
}
