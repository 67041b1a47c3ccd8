// Package chain is the narrow adapter between the off-chain control plane
// and the on-chain contracts. It exposes exactly two capabilities to the
// rest of the system: packing intent tuples into entry-point calls and
// parsing what comes back (events, revert payloads, validation data), so
// alternate chain backends can be substituted in tests.
package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// packedUserOpComponents is the ABI tuple layout of the packed intent the
// entry-point consumes.
const packedUserOpComponents = `[
	{"name":"sender","type":"address"},
	{"name":"nonce","type":"uint256"},
	{"name":"initCode","type":"bytes"},
	{"name":"callData","type":"bytes"},
	{"name":"accountGasLimits","type":"bytes32"},
	{"name":"preVerificationGas","type":"uint256"},
	{"name":"gasFees","type":"bytes32"},
	{"name":"paymasterAndData","type":"bytes"},
	{"name":"signature","type":"bytes"}
]`

// entryPointABIJSON is the fragment of the entry-point contract the control
// plane depends on: bundle submission, hash derivation, admission
// simulation, the two events the indexer tails, and the custom errors the
// revert decoder recognizes.
var entryPointABIJSON = `[
	{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[
		{"name":"ops","type":"tuple[]","components":` + packedUserOpComponents + `},
		{"name":"beneficiary","type":"address"}],"outputs":[]},
	{"type":"function","name":"getUserOpHash","stateMutability":"view","inputs":[
		{"name":"userOp","type":"tuple","components":` + packedUserOpComponents + `}],
		"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"simulateValidation","stateMutability":"view","inputs":[
		{"name":"userOp","type":"tuple","components":` + packedUserOpComponents + `}],
		"outputs":[{"name":"accountValidationData","type":"uint256"},
			{"name":"paymasterValidationData","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"UserOperationEvent","inputs":[
		{"name":"userOpHash","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"paymaster","type":"address","indexed":true},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"success","type":"bool","indexed":false},
		{"name":"actualGasCost","type":"uint256","indexed":false},
		{"name":"actualGasUsed","type":"uint256","indexed":false}]},
	{"type":"event","name":"BeforeExecution","inputs":[]},
	{"type":"error","name":"FailedOp","inputs":[
		{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]},
	{"type":"error","name":"FailedOpWithRevert","inputs":[
		{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"},
		{"name":"inner","type":"bytes"}]}
]`

// paymasterABIJSON is the fragment of the sponsoring paymaster the indexer
// and the paymaster status endpoint depend on.
var paymasterABIJSON = `[
	{"type":"function","name":"feeToken","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"collectedFees","stateMutability":"view","inputs":[],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"PostOpProcessed","inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"userOpHash","type":"bytes32","indexed":true},
		{"name":"mode","type":"uint8","indexed":false},
		{"name":"actualGasCost","type":"uint256","indexed":false},
		{"name":"actualUserOpFeePerGas","type":"uint256","indexed":false},
		{"name":"feeAmount","type":"uint256","indexed":false}]}
]`

var (
	entryPointABI abi.ABI
	paymasterABI  abi.ABI

	// Event topic0 values the indexer filters on.
	UserOperationEventTopic common.Hash
	BeforeExecutionTopic    common.Hash
	PostOpProcessedTopic    common.Hash

	// Custom error definitions and selectors for revert decoding. Kept as
	// package vars: abi.Error methods need an addressable receiver, which
	// a map index expression is not.
	failedOpError              abi.Error
	failedOpWithRevertError    abi.Error
	failedOpSelector           [4]byte
	failedOpWithRevertSelector [4]byte
)

func init() {
	var err error
	entryPointABI, err = abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic("chain: entry-point abi: " + err.Error())
	}
	paymasterABI, err = abi.JSON(strings.NewReader(paymasterABIJSON))
	if err != nil {
		panic("chain: paymaster abi: " + err.Error())
	}

	UserOperationEventTopic = entryPointABI.Events["UserOperationEvent"].ID
	BeforeExecutionTopic = entryPointABI.Events["BeforeExecution"].ID
	PostOpProcessedTopic = paymasterABI.Events["PostOpProcessed"].ID

	failedOpError = entryPointABI.Errors["FailedOp"]
	failedOpWithRevertError = entryPointABI.Errors["FailedOpWithRevert"]
	copy(failedOpSelector[:], failedOpError.ID[:4])
	copy(failedOpWithRevertSelector[:], failedOpWithRevertError.ID[:4])
}
