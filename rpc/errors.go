package rpc

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/recovery"
	"github.com/Polkadex-Substrate/Polkadex-sub004/worker"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001

	codeInsufficientBalance         = -32010
	codeAccountBalanceNotFound      = -32011
	codeSignatureVerificationFailed = -32012
	codeEndpointNotReady            = -32013
	codeInvalidAction               = -32014

	codeRateLimited = -32020
)

// errorKind is reported in error.data.kind so clients can branch without
// parsing messages.
type errorKind struct {
	Kind string `json:"kind"`
}

type mappedError struct {
	status  int
	code    int
	grpc    codes.Code
	kind    string
	message string
}

var errorTable = []struct {
	target error
	mapped mappedError
}{
	{ledger.ErrInsufficientBalance, mappedError{http.StatusUnprocessableEntity, codeInsufficientBalance, codes.FailedPrecondition, "InsufficientBalance", "insufficient balance"}},
	{ledger.ErrAccountBalanceNotFound, mappedError{http.StatusUnprocessableEntity, codeAccountBalanceNotFound, codes.NotFound, "AccountBalanceNotFound", "account balance not found"}},
	{types.ErrSignatureVerificationFailed, mappedError{http.StatusBadRequest, codeSignatureVerificationFailed, codes.Unauthenticated, "SignatureVerificationFailed", "signature verification failed"}},
	{types.ErrInvalidAction, mappedError{http.StatusUnprocessableEntity, codeInvalidAction, codes.InvalidArgument, "InvalidAction", "invalid action"}},
	{worker.ErrEndpointNotReady, mappedError{http.StatusServiceUnavailable, codeEndpointNotReady, codes.Unavailable, "EndpointNotReady", "endpoint not ready"}},
	{worker.ErrNotSequencer, mappedError{http.StatusServiceUnavailable, codeEndpointNotReady, codes.Unavailable, "EndpointNotReady", "node does not accept unsequenced actions"}},
	{worker.ErrStopped, mappedError{http.StatusServiceUnavailable, codeEndpointNotReady, codes.Unavailable, "EndpointNotReady", "worker stopped"}},
	{recovery.ErrStateUnavailable, mappedError{http.StatusServiceUnavailable, codeEndpointNotReady, codes.Unavailable, "EndpointNotReady", "finalized state not available"}},
}

var internalError = mappedError{http.StatusInternalServerError, codeServerError, codes.Internal, "Internal", "internal error"}

// mapError classifies err for the wire. Unknown errors collapse into a
// generic internal error so raw storage or trie messages never reach clients.
func mapError(err error) mappedError {
	for _, entry := range errorTable {
		if errors.Is(err, entry.target) {
			return entry.mapped
		}
	}
	return internalError
}
