// Package flightstore fetches adapter tensors from a remote weight store
// over Arrow Flight. Each adapter is one Flight stream; every record row
// carries one named tensor with its shape and row-major float32 payload.
package flightstore

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// DefaultPort is the Flight port of the weight store.
const DefaultPort = 3000

// AdapterSchema is the record layout adapter streams use.
var AdapterSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// Client wraps an Arrow Flight connection to the adapter weight store.
type Client struct {
	fc      flight.Client
	addr    string
	timeout time.Duration
}

func NewClient(addr string) *Client {
	return &Client{
		addr:    addr,
		timeout: 30 * time.Second,
	}
}

// Connect establishes the connection to the weight store.
func (c *Client) Connect(ctx context.Context) error {
	fc, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	c.fc = fc
	logger.Log.Info("connected to adapter weight store", "addr", c.addr)
	return nil
}

func (c *Client) Close() error {
	if c.fc != nil {
		return c.fc.Close()
	}
	return nil
}

// FetchAdapter retrieves the flat tensor-name map of one adapter. The
// adapter id is the Flight ticket.
func (c *Client) FetchAdapter(ctx context.Context, adapterID string) (map[string]*device.Tensor, error) {
	if c.fc == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: []byte(adapterID)})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch adapter %q: %w", adapterID, err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to open record stream for %q: %w", adapterID, err)
	}
	defer rdr.Release()

	tensors := make(map[string]*device.Tensor)
	for rdr.Next() {
		rec := rdr.Record()
		batch, err := TensorsFromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("adapter %q: %w", adapterID, err)
		}
		for name, t := range batch {
			tensors[name] = t
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("stream error for adapter %q: %w", adapterID, err)
	}

	metrics.RecordFetch(len(tensors), time.Since(start))
	logger.Log.Debug("fetched adapter tensors",
		"adapter", adapterID, "tensors", len(tensors), "duration", time.Since(start))
	return tensors, nil
}

// TensorsFromRecord decodes one record of the adapter stream into named
// tensors.
func TensorsFromRecord(rec arrow.Record) (map[string]*device.Tensor, error) {
	if rec.NumCols() != 3 {
		return nil, fmt.Errorf("unexpected record width %d", rec.NumCols())
	}
	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return nil, fmt.Errorf("name column has type %s", rec.Column(0).DataType())
	}
	shapes, ok := rec.Column(1).(*array.List)
	if !ok {
		return nil, fmt.Errorf("shape column has type %s", rec.Column(1).DataType())
	}
	data, ok := rec.Column(2).(*array.List)
	if !ok {
		return nil, fmt.Errorf("data column has type %s", rec.Column(2).DataType())
	}

	shapeVals, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("shape values have type %s", shapes.ListValues().DataType())
	}
	dataVals, ok := data.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("data values have type %s", data.ListValues().DataType())
	}

	tensors := make(map[string]*device.Tensor, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		name := names.Value(i)

		s0, s1 := shapes.ValueOffsets(i)
		dims := make([]int, 0, s1-s0)
		n := 1
		for j := s0; j < s1; j++ {
			d := int(shapeVals.Value(int(j)))
			dims = append(dims, d)
			n *= d
		}

		d0, d1 := data.ValueOffsets(i)
		if int(d1-d0) != n {
			return nil, fmt.Errorf("tensor %q: shape %v wants %d elements, stream has %d",
				name, dims, n, d1-d0)
		}
		vals := make([]float32, n)
		for j := d0; j < d1; j++ {
			vals[j-d0] = dataVals.Value(int(j))
		}
		tensors[name] = device.NewTensor(name, vals, dims...)
	}
	return tensors, nil
}
