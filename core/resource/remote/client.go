package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultCallTimeout bounds calls whose context carries no deadline.
const DefaultCallTimeout = 10 * time.Second

// ClientOptions configure Dial.
type ClientOptions struct {
	// TLS enables transport security; nil dials in plaintext.
	TLS         credentials.TransportCredentials
	CallTimeout time.Duration
	DialOptions []grpc.DialOption
}

// Client is a resource.Manager backed by a remote Server.
type Client struct {
	conn        *grpc.ClientConn
	id          string
	callTimeout time.Duration
	logger      *zap.Logger
}

var _ resource.Manager = (*Client)(nil)

// Dial connects to target and learns the remote resource id.
func Dial(ctx context.Context, target string, logger *zap.Logger, opts ClientOptions) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	creds := opts.TLS
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}

	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts.DialOptions...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial resource manager %s: %w", target, err)
	}
	c := &Client{conn: conn, callTimeout: opts.CallTimeout, logger: logger}

	out, err := c.invoke(ctx, methodIdentify, &structpb.Struct{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("identify resource manager %s: %w", target, err)
	}
	c.id = stringField(out, fieldResourceID)
	if c.id == "" {
		conn.Close()
		return nil, fmt.Errorf("resource manager %s reported no resource id", target)
	}
	c.logger = logger.With(zap.String("component", "rm-client"), zap.String("resource", c.id), zap.String("target", target))
	return c, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, fromStatus(method, err)
	}
	return out, nil
}

func (c *Client) ResourceID() string { return c.id }

func (c *Client) Start(ctx context.Context, xid transaction.Xid, flag resource.StartFlag) error {
	_, err := c.invoke(ctx, methodStart, xidRequest(xid, map[string]any{fieldFlag: float64(flag)}))
	return err
}

func (c *Client) End(ctx context.Context, xid transaction.Xid, flag resource.DelistFlag) error {
	_, err := c.invoke(ctx, methodEnd, xidRequest(xid, map[string]any{fieldFlag: float64(flag)}))
	return err
}

func (c *Client) Prepare(ctx context.Context, xid transaction.Xid) (resource.Vote, error) {
	out, err := c.invoke(ctx, methodPrepare, xidRequest(xid, nil))
	if err != nil {
		return resource.VoteFail, err
	}
	vote := resource.Vote(intField(out, fieldVote))
	switch vote {
	case resource.VoteOK, resource.VoteReadOnly, resource.VoteFail:
		return vote, nil
	default:
		return resource.VoteFail, fmt.Errorf("%s: unexpected vote %d from %s", methodPrepare, vote, c.id)
	}
}

func (c *Client) Commit(ctx context.Context, xid transaction.Xid, onePhase bool) error {
	_, err := c.invoke(ctx, methodCommit, xidRequest(xid, map[string]any{fieldOnePhase: onePhase}))
	return err
}

func (c *Client) Rollback(ctx context.Context, xid transaction.Xid) error {
	_, err := c.invoke(ctx, methodRollback, xidRequest(xid, nil))
	return err
}

func (c *Client) Forget(ctx context.Context, xid transaction.Xid) error {
	_, err := c.invoke(ctx, methodForget, xidRequest(xid, nil))
	return err
}

func (c *Client) Recover(ctx context.Context, coordinatorID string) ([]transaction.Xid, error) {
	out, err := c.invoke(ctx, methodRecover, newStruct(map[string]any{fieldCoordinator: coordinatorID}))
	if err != nil {
		return nil, err
	}
	values := out.GetFields()[fieldXids].GetListValue().GetValues()
	xids := make([]transaction.Xid, 0, len(values))
	for _, v := range values {
		xid, err := transaction.ParseXid(v.GetStringValue())
		if err != nil {
			c.logger.Warn("Skipping malformed recovered xid", zap.Error(err))
			continue
		}
		xids = append(xids, xid)
	}
	return xids, nil
}
