package artifact

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsMirror archives artifacts in a JetStream object store bucket.
type NatsMirror struct {
	conn   *nats.Conn
	bucket string
	store  nats.ObjectStore
}

// DialNatsMirror connects to url and binds the bucket, creating it if needed.
func DialNatsMirror(url, bucket string) (*NatsMirror, error) {
	conn, err := nats.Connect(url, nats.Name("csmvoice"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}

	m, err := NewNatsMirror(js, bucket)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.conn = conn

	return m, nil
}

func NewNatsMirror(js nats.JetStreamContext, bucket string) (*NatsMirror, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Generated speech archive",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		var bindErr error
		store, bindErr = js.ObjectStore(bucket)
		if bindErr != nil {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucket, err)
		}
	}

	return &NatsMirror{
		bucket: bucket,
		store:  store,
	}, nil
}

func (n *NatsMirror) Upload(_ context.Context, key string, data []byte) error {
	if _, err := n.store.PutBytes(key, data); err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}
	return nil
}

// Close drops the connection if the mirror dialled it.
func (n *NatsMirror) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}
