package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"pledgerails/internal/contracts"
	"pledgerails/internal/pledge"
)

type boundContract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

// EthClient is the Client facade over the on-chain pledge contract.
type EthClient struct {
	client    *ethclient.Client
	contract  boundContract
	address   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
	wait      func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	timeout   time.Duration
	now       func() time.Time
}

type EthClientConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
	// ReceiptTimeout bounds the wait for a transaction to be mined.
	ReceiptTimeout time.Duration
}

// NewEthClient dials the node. Without a private key the client can only read.
func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("pledge contract address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.PledgeEscrowABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	c := &EthClient{
		client:   cli,
		contract: bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		address:  address,
		chainID:  chainID,
		timeout:  cfg.ReceiptTimeout,
		now:      time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = 2 * time.Minute
	}
	c.wait = func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return WaitForReceipt(ctx, cli, tx)
	}

	if cfg.PrivateKeyHex != "" {
		pk, err := parsePrivateKey(cfg.PrivateKeyHex)
		if err != nil {
			cli.Close()
			return nil, err
		}
		txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("transactor: %w", err)
		}
		txOpts.GasLimit = 0 // let node estimate
		c.transacts = txOpts
	}
	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Caller is the address transactions are signed with.
func (c *EthClient) Caller() common.Address {
	if c.transacts == nil {
		return common.Address{}
	}
	return c.transacts.From
}

func (c *EthClient) CreatePledge(ctx context.Context, req CreatePledgeRequest) (TxResult, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return TxResult{}, fmt.Errorf("%w: description is empty", pledge.ErrInvalidDescription)
	}
	if req.Stake == 0 {
		return TxResult{}, fmt.Errorf("%w: stake must be positive", pledge.ErrInvalidStake)
	}
	if req.Deadline <= 0 {
		return TxResult{}, fmt.Errorf("%w: deadline %d", pledge.ErrInvalidDeadline, req.Deadline)
	}
	stake := new(big.Int).SetUint64(req.Stake)
	return c.transact(ctx, "create_pledge", c.Caller(), "createPledge", desc, stake, uint64(req.Deadline))
}

func (c *EthClient) MarkCompleted(ctx context.Context) (TxResult, error) {
	return c.transact(ctx, "mark_completed", c.Caller(), "markCompleted")
}

func (c *EthClient) WithdrawOrBurn(ctx context.Context, subject common.Address) (TxResult, error) {
	if subject == (common.Address{}) {
		return TxResult{}, fmt.Errorf("%w: subject is the zero address", pledge.ErrInvalidAddress)
	}
	return c.transact(ctx, "withdraw_or_burn", subject, "withdrawOrBurn", subject)
}

func (c *EthClient) GetPledge(ctx context.Context, addr common.Address) (PledgeView, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getPledge", addr); err != nil {
		return PledgeView{}, chainError("get_pledge", err)
	}
	p, err := decodePledge(out)
	if err != nil {
		return PledgeView{}, fmt.Errorf("get_pledge: %w", err)
	}
	if p.Creator == (common.Address{}) {
		return PledgeView{}, fmt.Errorf("%w: %s has no pledge on chain", pledge.ErrNotFound, addr.Hex())
	}
	return NewPledgeView(p, c.now()), nil
}

// transact sends method, waits for it to be mined and reads back the pledge
// of subject.
func (c *EthClient) transact(ctx context.Context, op string, subject common.Address, method string, params ...interface{}) (TxResult, error) {
	if c.transacts == nil {
		return TxResult{}, fmt.Errorf("%s: client is read-only", op)
	}
	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return TxResult{}, chainError(op, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	receipt, err := c.wait(waitCtx, tx)
	if err != nil {
		return TxResult{}, &TransportError{Op: op, Err: fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TxResult{}, c.revertCause(ctx, op, &opts, tx, receipt, method, params...)
	}

	view, err := c.GetPledge(ctx, subject)
	if err != nil {
		return TxResult{}, err
	}
	res := TxResult{TxID: tx.Hash().Hex(), Pledge: view}
	switch method {
	case "createPledge":
		res.Outcome = OutcomeCreated
	case "markCompleted":
		res.Outcome = OutcomeCompleted
	case "withdrawOrBurn":
		res.Outcome = OutcomeForfeited
		if view.Completed {
			res.Outcome = OutcomeAlreadyCompleted
		}
	}
	return res, nil
}

// revertCause replays a mined-but-failed transaction as a call against the
// parent block to recover its revert reason. Without one the failure is still
// a non-retryable Reverted precondition error.
func (c *EthClient) revertCause(ctx context.Context, op string, opts *bind.TransactOpts, tx *types.Transaction, receipt *types.Receipt, method string, params ...interface{}) error {
	msg := fmt.Sprintf("transaction %s reverted in block %s", tx.Hash().Hex(), receipt.BlockNumber)
	call := &bind.CallOpts{Context: ctx, From: opts.From}
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		call.BlockNumber = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}
	var out []interface{}
	if err := c.contract.Call(call, &out, method, params...); err != nil {
		if reason, ok := revertReason(err); ok {
			if sentinel, known := pledge.Lookup(reason); known {
				return fmt.Errorf("%s: %w: %s", op, sentinel, msg)
			}
			msg += ": " + reason
		}
	}
	return fmt.Errorf("%s: %w", op, &pledge.Error{Kind: pledge.KindPrecondition, Code: "Reverted", Message: msg})
}

// Close releases the RPC connection.
func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func decodePledge(out []interface{}) (pledge.Pledge, error) {
	if len(out) != 9 {
		return pledge.Pledge{}, fmt.Errorf("getPledge returned %d values", len(out))
	}
	id, ok0 := out[0].(uint64)
	creator, ok1 := out[1].(common.Address)
	desc, ok2 := out[2].(string)
	stake, ok3 := out[3].(*big.Int)
	deadline, ok4 := out[4].(uint64)
	status, ok6 := out[6].(uint8)
	createdAt, ok7 := out[7].(uint64)
	completedAt, ok8 := out[8].(uint64)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok6 && ok7 && ok8) {
		return pledge.Pledge{}, errors.New("getPledge returned unexpected types")
	}
	if !stake.IsUint64() || stake.Uint64() > pledge.MaxStake {
		return pledge.Pledge{}, fmt.Errorf("stake %s out of range", stake)
	}
	p := pledge.Pledge{
		ID:          pledge.ID(id),
		Creator:     creator,
		Description: desc,
		Stake:       stake.Uint64(),
		Deadline:    int64(deadline),
		Status:      pledge.Status(status + 1),
		CreatedAt:   int64(createdAt),
		CompletedAt: int64(completedAt),
	}
	if creator != (common.Address{}) && !p.Status.Valid() {
		return pledge.Pledge{}, fmt.Errorf("unknown on-chain status %d", status)
	}
	return p, nil
}

const revertPrefix = "execution reverted"

// chainError maps a contract revert onto the service error with the same
// reason code; anything else is a transport failure.
func chainError(op string, err error) error {
	reason, reverted := revertReason(err)
	if !reverted {
		return &TransportError{Op: op, Err: err}
	}
	if sentinel, ok := pledge.Lookup(reason); ok {
		return fmt.Errorf("%s: %w: reverted on chain", op, sentinel)
	}
	return fmt.Errorf("%s: %w", op, &pledge.Error{Kind: pledge.KindPrecondition, Code: "Reverted", Message: reason})
}

func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if data, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(data); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	i := strings.Index(msg, revertPrefix)
	if i < 0 {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(msg[i+len(revertPrefix):], ":")), true
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
