// Package ledger implements a channel manager backed by the channel-manager
// contract: channels are opened, topped up, closed and settled with signed
// transactions, and discovered by filtering the contract's ChannelCreated
// logs.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	microraiden "github.com/dala-wallet/microraiden-go"
)

// channelManagerABI is the subset of the channel-manager contract the client
// touches.
const channelManagerABI = `[
	{"type":"function","name":"createChannel","inputs":[{"name":"_receiver_address","type":"address"},{"name":"_deposit","type":"uint192"}],"outputs":[]},
	{"type":"function","name":"topUp","inputs":[{"name":"_receiver_address","type":"address"},{"name":"_open_block_number","type":"uint32"},{"name":"_added_deposit","type":"uint192"}],"outputs":[]},
	{"type":"function","name":"uncooperativeClose","inputs":[{"name":"_receiver_address","type":"address"},{"name":"_open_block_number","type":"uint32"},{"name":"_balance","type":"uint192"}],"outputs":[]},
	{"type":"function","name":"settle","inputs":[{"name":"_receiver_address","type":"address"},{"name":"_open_block_number","type":"uint32"}],"outputs":[]},
	{"type":"function","name":"getChannelInfo","stateMutability":"view","inputs":[{"name":"_sender_address","type":"address"},{"name":"_receiver_address","type":"address"},{"name":"_open_block_number","type":"uint32"}],"outputs":[{"name":"","type":"bytes32"},{"name":"","type":"uint192"},{"name":"","type":"uint32"},{"name":"","type":"uint192"},{"name":"","type":"uint192"}]},
	{"type":"event","name":"ChannelCreated","inputs":[{"name":"_sender_address","type":"address","indexed":true},{"name":"_receiver_address","type":"address","indexed":true},{"name":"_deposit","type":"uint192","indexed":false}]}
]`

// Backend is the subset of an RPC client the manager needs. *ethclient.Client
// satisfies it.
type Backend interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Manager is a ChannelManager that talks to the channel-manager contract
// through an ethclient, caching loaded channels in a local store so repeat
// lookups stay off the chain.
type Manager struct {
	client   Backend
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	store    *microraiden.ChannelStore
}

// NewManager creates a contract-backed channel manager. The private key
// funds and signs the channel transactions; it must belong to the sender.
func NewManager(client Backend, contract common.Address, privateKeyHex string, chainID *big.Int) (*Manager, error) {
	parsed, err := abi.JSON(strings.NewReader(channelManagerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse channel manager ABI: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &Manager{
		client:   client,
		contract: contract,
		abi:      parsed,
		key:      key,
		chainID:  chainID,
		store:    microraiden.NewChannelStore(),
	}, nil
}

// LoadLocal returns the locally cached channel for the pair.
func (m *Manager) LoadLocal(ctx context.Context, sender, receiver common.Address) (*microraiden.Channel, error) {
	return m.store.Get(sender, receiver)
}

// LoadFromLedger scans the contract's ChannelCreated logs for the pair and
// reconstructs the most recently opened channel that is still open.
func (m *Manager) LoadFromLedger(ctx context.Context, sender, receiver common.Address) (*microraiden.Channel, error) {
	logs, err := m.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(0),
		Addresses: []common.Address{m.contract},
		Topics: [][]common.Hash{
			{m.abi.Events["ChannelCreated"].ID},
			{common.BytesToHash(sender.Bytes())},
			{common.BytesToHash(receiver.Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter channel logs: %w", err)
	}

	// Newest first; the first still-open channel wins. A channel whose info
	// is no longer readable (settled long ago, pruned state) must not stop
	// the scan from reaching older candidates.
	for i := len(logs) - 1; i >= 0; i-- {
		ch, err := m.channelFromLog(ctx, sender, receiver, logs[i])
		if err != nil {
			continue
		}
		if ch.State == microraiden.ChannelOpen {
			m.store.Put(ch)
			return ch, nil
		}
	}

	return nil, microraiden.NewChannelError(microraiden.ErrCodeNoChannel,
		"no open and valid channels found from offset 0", map[string]interface{}{
			"sender":   sender.Hex(),
			"receiver": receiver.Hex(),
		})
}

// IsValid reports whether the channel can still carry payments.
func (m *Manager) IsValid(ch *microraiden.Channel) bool {
	if ch == nil || ch.State != microraiden.ChannelOpen {
		return false
	}
	if err := ch.Validate(); err != nil {
		return false
	}
	return ch.Remaining().Sign() > 0
}

// OpenChannel opens a new channel funded with the given deposit. The open
// block is the block the creation transaction lands in.
func (m *Manager) OpenChannel(ctx context.Context, sender, receiver common.Address, deposit *big.Int) (*microraiden.Channel, error) {
	receipt, err := m.transact(ctx, "createChannel", receiver, deposit)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	ch := &microraiden.Channel{
		Sender:    sender,
		Receiver:  receiver,
		OpenBlock: uint32(receipt.BlockNumber.Uint64()),
		Deposit:   new(big.Int).Set(deposit),
		Balance:   new(big.Int),
		State:     microraiden.ChannelOpen,
	}
	m.store.Put(ch)
	return ch, nil
}

// TopUp adds funds to an open channel.
func (m *Manager) TopUp(ctx context.Context, ch *microraiden.Channel, amount *big.Int) error {
	if _, err := m.transact(ctx, "topUp", ch.Receiver, ch.OpenBlock, amount); err != nil {
		return fmt.Errorf("failed to top up channel: %w", err)
	}
	ch.Deposit = new(big.Int).Add(ch.Deposit, amount)
	m.store.Put(ch)
	return nil
}

// CloseChannel requests uncooperative closure at the channel's committed
// balance.
func (m *Manager) CloseChannel(ctx context.Context, ch *microraiden.Channel) error {
	balance := ch.Balance
	if balance == nil {
		balance = new(big.Int)
	}
	if _, err := m.transact(ctx, "uncooperativeClose", ch.Receiver, ch.OpenBlock, balance); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	ch.State = microraiden.ChannelClosed
	m.store.Put(ch)
	return nil
}

// Settle settles a closed channel and evicts it from the local store.
func (m *Manager) Settle(ctx context.Context, ch *microraiden.Channel) error {
	if _, err := m.transact(ctx, "settle", ch.Receiver, ch.OpenBlock); err != nil {
		return fmt.Errorf("failed to settle channel: %w", err)
	}
	ch.State = microraiden.ChannelSettled
	m.store.Delete(ch.Sender, ch.Receiver)
	return nil
}

// channelFromLog rebuilds a channel from a ChannelCreated log plus the
// contract's current view of it.
func (m *Manager) channelFromLog(ctx context.Context, sender, receiver common.Address, log types.Log) (*microraiden.Channel, error) {
	openBlock := uint32(log.BlockNumber)

	deposit, settleBlock, err := m.channelInfo(ctx, sender, receiver, openBlock)
	if err != nil {
		return nil, err
	}

	state := microraiden.ChannelOpen
	if settleBlock != 0 {
		state = microraiden.ChannelClosed
	}

	return &microraiden.Channel{
		Sender:    sender,
		Receiver:  receiver,
		OpenBlock: openBlock,
		Deposit:   deposit,
		Balance:   new(big.Int),
		State:     state,
	}, nil
}

// channelInfo reads getChannelInfo: deposit and, when closure has been
// requested, the settle block.
func (m *Manager) channelInfo(ctx context.Context, sender, receiver common.Address, openBlock uint32) (*big.Int, uint32, error) {
	data, err := m.abi.Pack("getChannelInfo", sender, receiver, openBlock)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to pack getChannelInfo: %w", err)
	}

	result, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &m.contract, Data: data}, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("getChannelInfo call failed: %w", err)
	}

	outputs, err := m.abi.Unpack("getChannelInfo", result)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to unpack getChannelInfo: %w", err)
	}
	if len(outputs) < 3 {
		return nil, 0, fmt.Errorf("unexpected getChannelInfo output length %d", len(outputs))
	}

	deposit, ok := outputs[1].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected deposit type %T", outputs[1])
	}
	settleBlock, ok := outputs[2].(uint32)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected settle block type %T", outputs[2])
	}
	return deposit, settleBlock, nil
}

// transact packs, signs, sends, and waits for a contract call.
func (m *Manager) transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := m.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	from := crypto.PubkeyToAddress(m.key.PublicKey)

	nonce, err := m.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := m.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	gasLimit, err := m.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &m.contract,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &m.contract,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(m.chainID), m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := m.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, m.client, signed)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for transaction: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%s transaction reverted: %s", method, signed.Hash().Hex())
	}
	return receipt, nil
}
