package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Settlement mirrors job completion onto the settlement contract. Calls are
// dispatched fire-and-forget after the database write commits; a failed
// mirror never rolls the database back.
type Settlement interface {
	CompleteJob(ctx context.Context, jobID uint64, modelCid string) (string, error)
}

// Subset of the FedJob contract surface the backend calls. Acceptance and
// creation are signed client-side by the user's wallet.
const fedJobABI = `[
  {"inputs":[{"internalType":"uint256","name":"jobId","type":"uint256"},{"internalType":"string","name":"trainedModelCID","type":"string"}],"name":"completeJob","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// Client talks to the settlement contract with the platform key. It is
// constructed once in main and injected wherever settlement is mirrored.
type Client struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	auth     *bind.TransactOpts

	// Serializes transactions so nonces assigned by the transactor do not
	// race each other.
	mu sync.Mutex
}

// NewClient dials the RPC endpoint and binds the settlement contract.
func NewClient(rpcURL, contractAddress, privateKeyHex string, chainID int64) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(fedJobABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse platform private key: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}

	contract := bind.NewBoundContract(common.HexToAddress(contractAddress), parsed, eth, eth, eth)

	log.Printf("Settlement client initialized (contract: %s, chain: %d)", contractAddress, chainID)
	return &Client{
		eth:      eth,
		contract: contract,
		auth:     auth,
	}, nil
}

// CompleteJob submits the completeJob transaction and returns the tx hash.
// It does not wait for the transaction to be mined.
func (c *Client) CompleteJob(ctx context.Context, jobID uint64, modelCid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := *c.auth
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "completeJob", new(big.Int).SetUint64(jobID), modelCid)
	if err != nil {
		return "", fmt.Errorf("completeJob tx failed for job %d: %w", jobID, err)
	}

	log.Printf("Submitted completeJob for job %d: %s", jobID, tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
