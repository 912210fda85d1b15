package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"
)

const (
	// DefaultPaymentTimeout bounds how long the node keeps retrying a
	// payment.
	DefaultPaymentTimeout = 60 * time.Second

	// DefaultFeeLimitPercent is the largest routing fee paid, as a
	// percentage of the invoice amount.
	DefaultFeeLimitPercent = 1.0
)

// Config holds the LND connection settings.
type Config struct {
	Host            string        `yaml:"host"`
	TLSCertPath     string        `yaml:"tls_cert_path"`
	MacaroonPath    string        `yaml:"macaroon_path"`
	PaymentTimeout  time.Duration `yaml:"payment_timeout"`
	FeeLimitPercent float64       `yaml:"fee_limit_percent"`
}

// LNDClient implements Client over LND's gRPC interface.
type LNDClient struct {
	ln     lnrpc.LightningClient
	router routerrpc.RouterClient
	conn   *grpc.ClientConn

	paymentTimeout  time.Duration
	feeLimitPercent float64
}

// NewLNDClient dials the node with its TLS certificate and macaroon.
func NewLNDClient(cfg Config) (*LNDClient, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS cert: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("failed to create macaroon credential: %w", err)
	}

	conn, err := grpc.Dial(cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial LND: %w", err)
	}

	c := &LNDClient{
		ln:              lnrpc.NewLightningClient(conn),
		router:          routerrpc.NewRouterClient(conn),
		conn:            conn,
		paymentTimeout:  cfg.PaymentTimeout,
		feeLimitPercent: cfg.FeeLimitPercent,
	}
	if c.paymentTimeout <= 0 {
		c.paymentTimeout = DefaultPaymentTimeout
	}
	if c.feeLimitPercent <= 0 {
		c.feeLimitPercent = DefaultFeeLimitPercent
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *LNDClient) Close() error {
	return c.conn.Close()
}

// DecodeInvoice decodes a BOLT11 payment request.
func (c *LNDClient) DecodeInvoice(ctx context.Context, invoice string) (*Invoice, error) {
	req, err := c.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: invoice})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeInvoice, err)
	}
	created := time.Unix(req.Timestamp, 0)
	return &Invoice{
		PaymentRequest: invoice,
		Destination:    req.Destination,
		PaymentHash:    req.PaymentHash,
		Amount:         req.NumSatoshis,
		Description:    req.Description,
		CreatedAt:      created,
		ExpiresAt:      created.Add(time.Duration(req.Expiry) * time.Second),
	}, nil
}

// QueryRoutes asks the node for paths able to carry amount satoshis to
// destination.
func (c *LNDClient) QueryRoutes(ctx context.Context, destination string, amount int64) ([]Route, error) {
	resp, err := c.ln.QueryRoutes(ctx, &lnrpc.QueryRoutesRequest{
		PubKey: destination,
		Amt:    amount,
	})
	if err != nil {
		if strings.Contains(err.Error(), "unable to find a path") {
			return nil, ErrNoRoute
		}
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	if len(resp.Routes) == 0 {
		return nil, ErrNoRoute
	}

	routes := make([]Route, 0, len(resp.Routes))
	for _, r := range resp.Routes {
		routes = append(routes, Route{
			TotalFees:   r.TotalFeesMsat / 1000,
			TotalAmount: r.TotalAmtMsat / 1000,
			Hops:        len(r.Hops),
		})
	}
	return routes, nil
}

// PayInvoice pays invoice and blocks until the payment settles or fails.
func (c *LNDClient) PayInvoice(ctx context.Context, invoice string) (*Payment, error) {
	decoded, err := c.DecodeInvoice(ctx, invoice)
	if err != nil {
		return nil, err
	}

	stream, err := c.router.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest:    invoice,
		TimeoutSeconds:    int32(c.paymentTimeout / time.Second),
		FeeLimitSat:       c.feeLimit(decoded.Amount),
		NoInflightUpdates: true,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil, fmt.Errorf("%w: %s", ErrPaymentInProgress, status.Convert(err).Message())
		}
		return nil, fmt.Errorf("failed to send payment: %w", err)
	}
	return waitPayment(stream)
}

// TrackPayment waits for the outcome of an earlier payment attempt.
func (c *LNDClient) TrackPayment(ctx context.Context, paymentHash string) (*Payment, error) {
	hash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}
	stream, err := c.router.TrackPaymentV2(ctx, &routerrpc.TrackPaymentRequest{
		PaymentHash:       hash,
		NoInflightUpdates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to track payment: %w", err)
	}
	p, err := waitPayment(stream)
	if err != nil && status.Code(err) == codes.NotFound {
		return nil, ErrPaymentUnknown
	}
	return p, err
}

func (c *LNDClient) feeLimit(amount int64) int64 {
	return int64(math.Ceil(float64(amount) * c.feeLimitPercent / 100))
}

// paymentStream is the receive side shared by SendPaymentV2 and
// TrackPaymentV2.
type paymentStream interface {
	Recv() (*lnrpc.Payment, error)
}

func waitPayment(stream paymentStream) (*Payment, error) {
	for {
		p, err := stream.Recv()
		if err != nil {
			switch status.Code(err) {
			case codes.NotFound:
				return nil, err
			case codes.AlreadyExists:
				// The node refuses a second payment for a hash it is
				// already paying or has paid.
				return nil, fmt.Errorf("%w: %s", ErrPaymentInProgress, status.Convert(err).Message())
			}
			return nil, fmt.Errorf("payment stream error: %w", err)
		}
		switch p.Status {
		case lnrpc.Payment_SUCCEEDED:
			return &Payment{Preimage: p.PaymentPreimage, Fee: p.FeeSat}, nil
		case lnrpc.Payment_FAILED:
			return nil, fmt.Errorf("%w: %s", ErrPaymentFailed, p.FailureReason)
		}
	}
}
