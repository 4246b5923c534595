package mqjob

type ClientOption func(c *Client)

// WithCodec shares a codec with registered payload types across clients.
func WithCodec(codec *Codec) ClientOption {
	return func(c *Client) {
		c.codec = codec
	}
}

func WithObserver(observer Observer) ClientOption {
	return func(c *Client) {
		c.observer = observer
	}
}
