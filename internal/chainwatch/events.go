package chainwatch

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event signatures emitted by the factory and its escrow instances.
var (
	// EscrowCreated(address indexed escrow, address indexed owner, uint256 amount)
	EscrowCreatedTopic = crypto.Keccak256Hash([]byte("EscrowCreated(address,address,uint256)"))
	// ContractRequirementsSet(address indexed seller, string requirements, string sellerContact)
	RequirementsSetTopic = crypto.Keccak256Hash([]byte("ContractRequirementsSet(address,string,string)"))
	// DeliverySubmitted(address indexed seller, string deliveryRef, uint256 timestamp)
	DeliverySubmittedTopic = crypto.Keccak256Hash([]byte("DeliverySubmitted(address,string,uint256)"))
)

// requirementsData decodes the non-indexed payload of ContractRequirementsSet.
var requirementsData = func() abi.Arguments {
	str, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{
		{Name: "requirements", Type: str},
		{Name: "sellerContact", Type: str},
	}
}()

// RequirementsEvent is one decoded ContractRequirementsSet log.
type RequirementsEvent struct {
	Escrow       common.Address
	Seller       common.Address
	Requirements string
	Contact      string
}

// DecodeRequirements extracts the seller from the indexed topic and unpacks
// the string payload.
func DecodeRequirements(l types.Log) (RequirementsEvent, error) {
	if len(l.Topics) < 2 || l.Topics[0] != RequirementsSetTopic {
		return RequirementsEvent{}, fmt.Errorf("log is not a ContractRequirementsSet event")
	}

	values, err := requirementsData.Unpack(l.Data)
	if err != nil {
		return RequirementsEvent{}, fmt.Errorf("unpack requirements data: %w", err)
	}
	requirements, ok := values[0].(string)
	if !ok {
		return RequirementsEvent{}, fmt.Errorf("requirements field is not a string")
	}
	contact, ok := values[1].(string)
	if !ok {
		return RequirementsEvent{}, fmt.Errorf("sellerContact field is not a string")
	}

	return RequirementsEvent{
		Escrow:       l.Address,
		Seller:       common.BytesToAddress(l.Topics[1].Bytes()),
		Requirements: requirements,
		Contact:      contact,
	}, nil
}
