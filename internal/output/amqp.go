package output

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"gonum.org/v1/gonum/mat"

	"github.com/mlat-network/mlat-server/internal/geodesy"
	"github.com/mlat-network/mlat-server/internal/kalman"
	"github.com/mlat-network/mlat-server/internal/mlattrack"
)

// mlatResult is the wire shape published to the fanout exchange: enough to
// let a downstream consumer plot the result without reimplementing any of
// the geometry.
type mlatResult struct {
	Timestamp   float64  `json:"timestamp"`
	Hex         string   `json:"hex"`
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	Altitude    float64  `json:"altitude"`
	PosErr      float64  `json:"pos_err,omitempty"`
	Speed       float64  `json:"speed,omitempty"`
	Track       float64  `json:"track,omitempty"`
	VertRate    float64  `json:"vert_rate,omitempty"`
	Distinct    int      `json:"distinct"`
	DOF         int      `json:"dof"`
	Receivers   []string `json:"receivers"`
	StationName string   `json:"groundStationName,omitempty"`
}

// AMQPFanout republishes every accepted multilateration result as JSON onto
// a fanout exchange: declare-before-publish, transient delivery mode, and a
// background channel rebuild when the broker drops the connection.
type AMQPFanout struct {
	exchange    string
	stationName string

	conn *amqp.Connection
	ch   *amqp.Channel

	closeCh chan struct{}
}

// NewAMQPFanout dials conStr, declares exchange as a durable-false fanout
// exchange, and starts a background goroutine that rebuilds the channel if
// the broker drops it.
func NewAMQPFanout(conStr, exchange, stationName string) (*AMQPFanout, error) {
	conn, err := amqp.Dial(conStr)
	if err != nil {
		return nil, fmt.Errorf("output: amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("output: amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "fanout", false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("output: amqp exchange declare: %w", err)
	}

	f := &AMQPFanout{
		exchange:    exchange,
		stationName: stationName,
		conn:        conn,
		ch:          ch,
		closeCh:     make(chan struct{}),
	}

	closures := conn.NotifyClose(make(chan *amqp.Error))
	go func() {
		for {
			select {
			case <-f.closeCh:
				return
			case <-closures:
				newCh, err := conn.Channel()
				if err != nil {
					ologger.WithError(err).Error("failed to reopen amqp channel")
					continue
				}
				f.ch = newCh
			}
		}
	}()

	return f, nil
}

// Close tears down the AMQP connection.
func (f *AMQPFanout) Close() error {
	close(f.closeCh)
	f.ch.Close()
	return f.conn.Close()
}

// Write is an mlattrack.OutputFunc: register with
// Coordinator.AddOutputHandler.
func (f *AMQPFanout) Write(clusterUTC time.Time, address uint32, ecef geodesy.ECEF, ecefCov *mat.SymDense,
	receivers []mlattrack.Receiver, distinct, dof int, kalmanState *kalman.State) {

	llh := geodesy.ECEFToLLH(ecef)
	result := mlatResult{
		Timestamp:   float64(clusterUTC.UnixNano()) / 1e9,
		Hex:         fmt.Sprintf("%06x", address),
		Lat:         llh[0],
		Lon:         llh[1],
		Altitude:    llh[2] * mtof,
		Distinct:    distinct,
		DOF:         dof,
		StationName: f.stationName,
	}
	if ecefCov != nil {
		result.PosErr = mat.Trace(ecefCov)
	}
	if kalmanState != nil && kalmanState.Valid {
		result.Speed = kalmanState.GroundSpeed * msToKts
		result.Track = kalmanState.Heading
		result.VertRate = kalmanState.VerticalSpeed * msToFpm
	}
	for _, r := range receivers {
		result.Receivers = append(result.Receivers, r.ID())
	}

	body, err := json.Marshal(result)
	if err != nil {
		ologger.WithError(err).Error("failed to marshal mlat result")
		return
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		Body:         body,
	}
	if err := f.ch.Publish(f.exchange, "", false, false, msg); err != nil {
		ologger.WithError(err).Error("failed to publish mlat result")
	}
}
