package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Candidate deployment labels in verification priority order.
const (
	LabelLegacy  = "legacy"
	LabelCreateX = "createx"
	LabelCustom  = "custom"
)

// Well-known Disperse deployment addresses.
var (
	LegacyAddress  = common.HexToAddress("0xD152f549545093347A162Dce210e7293f1452150")
	CreateXAddress = common.HexToAddress("0xD15fE25eD0Dba12fE05e7029C88b10C25e8880E3")
)

// ReferenceBytecode is the leading runtime code of the Disperse contract: its
// dispatcher for the three disperse selectors. Code at a built-in address is
// genuine when it equals or starts with this sequence. A custom address must
// additionally carry the same runtime as a verified built-in deployment, or
// as a full runtime configured in its place.
const ReferenceBytecode = "0x608060405260043610610057576000357c0100000000000000000000000000000000000000000000000000000000900463ffffffff16806351ba162c1461005c578063c73a2d60146100cf578063e63d38ed14610142575b600080fd5b"

// MaxUint256 is the unlimited approval amount.
func MaxUint256() *big.Int {
	return new(uint256.Int).SetAllOne().ToBig()
}
