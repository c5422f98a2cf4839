package matching

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/matchcore/internal/crypto"
	"github.com/alanyoungcy/matchcore/internal/domain"
)

// Config tunes validation, fees and locking. Zero values select defaults.
type Config struct {
	// ChainID, when non-zero, must match every request's chainId.
	ChainID int64
	// VerifyingContract, when set, must match every request.
	VerifyingContract string

	MinPrice uint64
	MaxPrice uint64
	TickSize uint64

	MinOrderAmount *uint256.Int
	MaxOrderAmount *uint256.Int

	MaxOrdersPerMarket int
	MaxOrdersPerUser   int

	VerifySignatures bool

	TakerFeeBps int
	MakerFeeBps int

	// DistributedLock additionally guards each book with a Redis lock so
	// that two nodes briefly believing they lead cannot interleave.
	DistributedLock bool
	LockTTL         time.Duration
	LockRetries     int
	LockRetryDelay  time.Duration

	DepthLevels int
}

var (
	defaultMinOrderAmount = uint256.NewInt(1_000_000_000_000)                                   // 1e12
	defaultMaxOrderAmount = new(uint256.Int).Mul(uint256.NewInt(1_000_000), domain.ShareScale) // 1e24
)

func (c Config) withDefaults() Config {
	if c.MinPrice == 0 {
		c.MinPrice = 1
	}
	if c.MaxPrice == 0 || c.MaxPrice > domain.MaxPrice {
		c.MaxPrice = domain.MaxPrice
	}
	if c.TickSize == 0 {
		c.TickSize = 1
	}
	if c.MinOrderAmount == nil {
		c.MinOrderAmount = defaultMinOrderAmount
	}
	if c.MaxOrderAmount == nil {
		c.MaxOrderAmount = defaultMaxOrderAmount
	}
	if c.MaxOrdersPerMarket <= 0 {
		c.MaxOrdersPerMarket = 10_000
	}
	if c.MaxOrdersPerUser <= 0 {
		c.MaxOrdersPerUser = 100
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockRetries <= 0 {
		c.LockRetries = 200
	}
	if c.LockRetryDelay <= 0 {
		c.LockRetryDelay = 50 * time.Millisecond
	}
	return c
}

// OrderRequest is a signed order as submitted by a client.
type OrderRequest struct {
	MarketKey         string       `json:"marketKey"`
	OutcomeIndex      int          `json:"outcomeIndex"`
	IsBuy             bool         `json:"isBuy"`
	Price             *uint256.Int `json:"price"`
	Amount            *uint256.Int `json:"amount"`
	Salt              string       `json:"salt"`
	Expiry            int64        `json:"expiry"`
	Signature         string       `json:"signature"`
	Maker             string       `json:"maker"`
	ChainID           int64        `json:"chainId"`
	VerifyingContract string       `json:"verifyingContract"`
	TimeInForce       string       `json:"timeInForce,omitempty"`
	PostOnly          bool         `json:"postOnly,omitempty"`
}

// CancelRequest cancels the maker's order with the given salt.
type CancelRequest struct {
	MarketKey         string `json:"marketKey"`
	OutcomeIndex      int    `json:"outcomeIndex"`
	Maker             string `json:"maker"`
	Salt              string `json:"salt"`
	Signature         string `json:"signature"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, fmt.Sprintf(format, args...))
}

// buildOrder runs every check that needs no book state and returns the
// order as it would be accepted.
func (c Config) buildOrder(req OrderRequest, now time.Time) (*domain.Order, error) {
	if strings.TrimSpace(req.MarketKey) == "" {
		return nil, invalid("marketKey is required")
	}
	if req.OutcomeIndex < 0 {
		return nil, invalid("outcomeIndex must be non-negative")
	}
	if !crypto.IsAddress(req.Maker) {
		return nil, invalid("maker %q is not an address", req.Maker)
	}
	if err := c.checkDomain(req.ChainID, req.VerifyingContract); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Salt) == "" {
		return nil, invalid("salt is required")
	}
	if req.Price == nil || req.Amount == nil {
		return nil, invalid("price and amount are required")
	}
	if !req.Price.IsUint64() || req.Price.Uint64() < c.MinPrice || req.Price.Uint64() > c.MaxPrice {
		return nil, invalid("price %s outside [%d, %d]", req.Price.Dec(), c.MinPrice, c.MaxPrice)
	}
	if req.Price.Uint64()%c.TickSize != 0 {
		return nil, invalid("price %s not on tick %d", req.Price.Dec(), c.TickSize)
	}
	if req.Amount.Lt(c.MinOrderAmount) || req.Amount.Gt(c.MaxOrderAmount) {
		return nil, invalid("amount %s outside [%s, %s]", req.Amount.Dec(), c.MinOrderAmount.Dec(), c.MaxOrderAmount.Dec())
	}
	if req.Expiry < 0 {
		return nil, invalid("expiry must be non-negative")
	}
	if req.Expiry > 0 && req.Expiry <= now.Unix() {
		return nil, domain.ErrOrderExpired
	}
	tif, ok := domain.ParseTimeInForce(req.TimeInForce)
	if !ok {
		return nil, invalid("unknown timeInForce %q", req.TimeInForce)
	}
	if req.PostOnly && !tif.Rests() {
		return nil, invalid("postOnly requires GTC")
	}

	if c.VerifySignatures {
		ok, err := crypto.VerifyOrder(
			crypto.Domain{ChainID: req.ChainID, VerifyingContract: req.VerifyingContract},
			crypto.OrderPayload{
				Maker:        req.Maker,
				OutcomeIndex: req.OutcomeIndex,
				IsBuy:        req.IsBuy,
				Price:        req.Price.Dec(),
				Amount:       req.Amount.Dec(),
				Salt:         req.Salt,
				Expiry:       req.Expiry,
			}, req.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
		}
		if !ok {
			return nil, domain.ErrInvalidSignature
		}
	}

	side := domain.OrderSideSell
	if req.IsBuy {
		side = domain.OrderSideBuy
	}
	maker := strings.ToLower(req.Maker)
	return &domain.Order{
		ID:                domain.OrderID(maker, req.Salt),
		MarketKey:         req.MarketKey,
		OutcomeIndex:      req.OutcomeIndex,
		ChainID:           req.ChainID,
		VerifyingContract: strings.ToLower(req.VerifyingContract),
		Maker:             maker,
		Side:              side,
		Price:             req.Price.Clone(),
		Amount:            req.Amount.Clone(),
		Remaining:         req.Amount.Clone(),
		Salt:              req.Salt,
		Expiry:            req.Expiry,
		Signature:         req.Signature,
		TimeInForce:       tif,
		PostOnly:          req.PostOnly,
		Status:            domain.OrderStatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (c Config) checkDomain(chainID int64, contract string) error {
	if c.ChainID != 0 && chainID != c.ChainID {
		return invalid("chainId %d, expected %d", chainID, c.ChainID)
	}
	if c.VerifyingContract != "" && !strings.EqualFold(contract, c.VerifyingContract) {
		return invalid("verifyingContract %s is not this market", contract)
	}
	if c.VerifySignatures && !crypto.IsAddress(contract) {
		return invalid("verifyingContract %q is not an address", contract)
	}
	return nil
}

func (c Config) checkCancel(req CancelRequest) error {
	if strings.TrimSpace(req.MarketKey) == "" || req.OutcomeIndex < 0 {
		return invalid("marketKey and outcomeIndex are required")
	}
	if !crypto.IsAddress(req.Maker) {
		return invalid("maker %q is not an address", req.Maker)
	}
	if strings.TrimSpace(req.Salt) == "" {
		return invalid("salt is required")
	}
	if err := c.checkDomain(req.ChainID, req.VerifyingContract); err != nil {
		return err
	}
	if !c.VerifySignatures {
		return nil
	}
	ok, err := crypto.VerifyCancel(
		crypto.Domain{ChainID: req.ChainID, VerifyingContract: req.VerifyingContract},
		crypto.CancelPayload{Maker: req.Maker, Salt: req.Salt},
		req.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if !ok {
		return domain.ErrInvalidSignature
	}
	return nil
}
