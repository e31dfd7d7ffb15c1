// Package escrow defines the on-chain escrow collaborator the admission
// pipeline and dispatcher consume, plus its Ethereum-backed implementation.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/crypto/sha3"
)

// ValidationResult is the escrow contract's answer to a funding check. When
// Valid is false, Reason carries the contract's reason verbatim (e.g.
// "AWAITING_DEPOSIT") and is surfaced to the caller as a 402 body.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// Client is the escrow collaborator. Both operations are potentially slow,
// fallible RPCs; the core never calls them under a lock.
type Client interface {
	// Validate checks that the escrow referenced by ref is funded and
	// designates providerDID as its provider.
	Validate(ctx context.Context, ref, providerDID string) (*ValidationResult, error)
	// ConfirmDelivery records the output hash on-chain, releasing the funds.
	// Returns the transaction reference.
	ConfirmDelivery(ctx context.Context, ref string, outputHash [32]byte) (string, error)
}

// Minimal ABI of the escrow contract; only the two entry points the bridge
// touches.
const escrowABI = `[
  {"name":"validateEscrow","type":"function","stateMutability":"view",
   "inputs":[{"name":"escrowId","type":"uint256"},{"name":"providerDid","type":"string"}],
   "outputs":[{"name":"funded","type":"bool"},{"name":"reason","type":"string"}]},
  {"name":"confirmDelivery","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"escrowId","type":"uint256"},{"name":"outputHash","type":"bytes32"}],
   "outputs":[]}
]`

// ChainClient talks to the deployed escrow contract over JSON-RPC.
type ChainClient struct {
	eth      *ethclient.Client
	bound    *bind.BoundContract
	auth     *bind.TransactOpts
	contract common.Address
	signer   common.Address
}

// NewChainClient dials rpcURL and binds the escrow contract at contractAddr.
// privateKeyHex is the provider's signing key (0x-prefixed).
func NewChainClient(rpcURL, contractAddr, privateKeyHex string) (*ChainClient, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("escrow rpc dial: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("escrow signing key: %w", err)
	}

	chainID, err := eth.ChainID(context.Background())
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("escrow chain id: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("escrow transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("escrow abi: %w", err)
	}

	addr := common.HexToAddress(contractAddr)
	pub := key.Public().(*ecdsa.PublicKey)
	return &ChainClient{
		eth:      eth,
		bound:    bind.NewBoundContract(addr, parsed, eth, eth, eth),
		auth:     auth,
		contract: addr,
		signer:   crypto.PubkeyToAddress(*pub),
	}, nil
}

// Validate calls the contract's view function. A malformed ref is reported
// as invalid rather than an RPC error.
func (c *ChainClient) Validate(ctx context.Context, ref, providerDID string) (*ValidationResult, error) {
	escrowID, ok := new(big.Int).SetString(ref, 10)
	if !ok {
		return &ValidationResult{Valid: false, Reason: "MALFORMED_ESCROW_REF"}, nil
	}

	var out []interface{}
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "validateEscrow", escrowID, providerDID)
	if err != nil {
		return nil, fmt.Errorf("validateEscrow(%s): %w", ref, err)
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("validateEscrow(%s): unexpected output arity %d", ref, len(out))
	}

	funded, _ := out[0].(bool)
	reason, _ := out[1].(string)
	return &ValidationResult{Valid: funded, Reason: reason}, nil
}

// ConfirmDelivery sends the confirmation transaction and returns its hash.
func (c *ChainClient) ConfirmDelivery(ctx context.Context, ref string, outputHash [32]byte) (string, error) {
	escrowID, ok := new(big.Int).SetString(ref, 10)
	if !ok {
		return "", fmt.Errorf("malformed escrow ref %q", ref)
	}

	opts := *c.auth
	opts.Context = ctx
	tx, err := c.bound.Transact(&opts, "confirmDelivery", escrowID, outputHash)
	if err != nil {
		return "", fmt.Errorf("confirmDelivery(%s): %w", ref, err)
	}
	return tx.Hash().Hex(), nil
}

// Close releases the RPC connection.
func (c *ChainClient) Close() {
	c.eth.Close()
}

// Signer returns the provider address derived from the configured key.
func (c *ChainClient) Signer() common.Address {
	return c.signer
}

// HashOutput computes the keccak-256 digest recorded on delivery.
func HashOutput(output string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(output))
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}
