package service

import (
	"encoding/json"

	"notary-mpc/requests"
	"notary-mpc/shared"
)

// UI call methods.
const (
	MethodNotarize      = "notarize"
	MethodRetryRequest  = "retry_request"
	MethodGetRequest    = "get_request"
	MethodListRequests  = "list_requests"
	MethodDeleteRequest = "delete_request"

	MethodConnectRelay    = "connect_relay"
	MethodDisconnectRelay = "disconnect_relay"
	MethodP2PSnapshot     = "p2p_snapshot"

	MethodSendPairRequest    = "send_pair_request"
	MethodCancelPairRequest  = "cancel_pair_request"
	MethodAcceptPairRequest  = "accept_pair_request"
	MethodRejectPairRequest  = "reject_pair_request"
	MethodUnpair             = "unpair"
	MethodRequestProof       = "request_proof"
	MethodCancelProofRequest = "cancel_proof_request"
	MethodAcceptProofRequest = "accept_proof_request"
	MethodRejectProofRequest = "reject_proof_request"

	MethodSetHostHeaders = "set_host_headers"
	MethodGetHostHeaders = "get_host_headers"
	MethodSetHostCookies = "set_host_cookies"
	MethodGetHostCookies = "get_host_cookies"

	MethodAddPlugin    = "add_plugin"
	MethodGetPlugin    = "get_plugin"
	MethodListPlugins  = "list_plugins"
	MethodDeletePlugin = "delete_plugin"

	MethodApprove       = "approve"
	MethodReject        = "reject"
	MethodListApprovals = "list_approvals"
)

// Call is the closed set of requests a UI surface can make.
type Call interface {
	method() string
}

type (
	Notarize struct {
		requests.Spec
	}
	RetryRequest struct {
		ID       string                   `json:"id"`
		Override *requests.EndpointConfig `json:"override,omitempty"`
	}
	GetRequest struct {
		ID string `json:"id"`
	}
	ListRequests  struct{}
	DeleteRequest struct {
		ID string `json:"id"`
	}

	ConnectRelay struct {
		URL string `json:"url,omitempty"`
	}
	DisconnectRelay struct{}
	P2PSnapshot     struct{}

	SendPairRequest struct {
		Target string `json:"target"`
	}
	CancelPairRequest struct {
		Target string `json:"target"`
	}
	AcceptPairRequest struct {
		From string `json:"from"`
	}
	RejectPairRequest struct {
		From string `json:"from"`
	}
	Unpair       struct{}
	RequestProof struct {
		Plugin json.RawMessage `json:"plugin"`
	}
	CancelProofRequest struct {
		Hash string `json:"hash"`
	}
	AcceptProofRequest struct {
		Hash string `json:"hash"`
	}
	RejectProofRequest struct {
		Hash string `json:"hash"`
	}

	SetHostHeaders struct {
		Host    string            `json:"host"`
		Headers map[string]string `json:"headers"`
	}
	GetHostHeaders struct {
		Host string `json:"host"`
	}
	SetHostCookies struct {
		Host    string            `json:"host"`
		Cookies map[string]string `json:"cookies"`
	}
	GetHostCookies struct {
		Host string `json:"host"`
	}

	AddPlugin struct {
		Plugin json.RawMessage `json:"plugin"`
	}
	GetPlugin struct {
		Hash string `json:"hash"`
	}
	ListPlugins  struct{}
	DeletePlugin struct {
		Hash string `json:"hash"`
	}

	Approve struct {
		ID string `json:"id"`
	}
	Reject struct {
		ID string `json:"id"`
	}
	ListApprovals struct{}
)

func (Notarize) method() string           { return MethodNotarize }
func (RetryRequest) method() string       { return MethodRetryRequest }
func (GetRequest) method() string         { return MethodGetRequest }
func (ListRequests) method() string       { return MethodListRequests }
func (DeleteRequest) method() string      { return MethodDeleteRequest }
func (ConnectRelay) method() string       { return MethodConnectRelay }
func (DisconnectRelay) method() string    { return MethodDisconnectRelay }
func (P2PSnapshot) method() string        { return MethodP2PSnapshot }
func (SendPairRequest) method() string    { return MethodSendPairRequest }
func (CancelPairRequest) method() string  { return MethodCancelPairRequest }
func (AcceptPairRequest) method() string  { return MethodAcceptPairRequest }
func (RejectPairRequest) method() string  { return MethodRejectPairRequest }
func (Unpair) method() string             { return MethodUnpair }
func (RequestProof) method() string       { return MethodRequestProof }
func (CancelProofRequest) method() string { return MethodCancelProofRequest }
func (AcceptProofRequest) method() string { return MethodAcceptProofRequest }
func (RejectProofRequest) method() string { return MethodRejectProofRequest }
func (SetHostHeaders) method() string     { return MethodSetHostHeaders }
func (GetHostHeaders) method() string     { return MethodGetHostHeaders }
func (SetHostCookies) method() string     { return MethodSetHostCookies }
func (GetHostCookies) method() string     { return MethodGetHostCookies }
func (AddPlugin) method() string          { return MethodAddPlugin }
func (GetPlugin) method() string          { return MethodGetPlugin }
func (ListPlugins) method() string        { return MethodListPlugins }
func (DeletePlugin) method() string       { return MethodDeletePlugin }
func (Approve) method() string            { return MethodApprove }
func (Reject) method() string             { return MethodReject }
func (ListApprovals) method() string      { return MethodListApprovals }

var decoders = map[string]func(json.RawMessage) (Call, error){
	MethodNotarize:           decode[Notarize],
	MethodRetryRequest:       decode[RetryRequest],
	MethodGetRequest:         decode[GetRequest],
	MethodListRequests:       decode[ListRequests],
	MethodDeleteRequest:      decode[DeleteRequest],
	MethodConnectRelay:       decode[ConnectRelay],
	MethodDisconnectRelay:    decode[DisconnectRelay],
	MethodP2PSnapshot:        decode[P2PSnapshot],
	MethodSendPairRequest:    decode[SendPairRequest],
	MethodCancelPairRequest:  decode[CancelPairRequest],
	MethodAcceptPairRequest:  decode[AcceptPairRequest],
	MethodRejectPairRequest:  decode[RejectPairRequest],
	MethodUnpair:             decode[Unpair],
	MethodRequestProof:       decode[RequestProof],
	MethodCancelProofRequest: decode[CancelProofRequest],
	MethodAcceptProofRequest: decode[AcceptProofRequest],
	MethodRejectProofRequest: decode[RejectProofRequest],
	MethodSetHostHeaders:     decode[SetHostHeaders],
	MethodGetHostHeaders:     decode[GetHostHeaders],
	MethodSetHostCookies:     decode[SetHostCookies],
	MethodGetHostCookies:     decode[GetHostCookies],
	MethodAddPlugin:          decode[AddPlugin],
	MethodGetPlugin:          decode[GetPlugin],
	MethodListPlugins:        decode[ListPlugins],
	MethodDeletePlugin:       decode[DeletePlugin],
	MethodApprove:            decode[Approve],
	MethodReject:             decode[Reject],
	MethodListApprovals:      decode[ListApprovals],
}

func decode[T Call](params json.RawMessage) (Call, error) {
	var call T
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, err
		}
	}
	return call, nil
}

// DecodeCall parses a UI call. Unknown methods and malformed params are
// protocol errors.
func DecodeCall(method string, params json.RawMessage) (Call, error) {
	dec, ok := decoders[method]
	if !ok {
		return nil, shared.NewProtocolError(method, "unknown method", nil)
	}
	call, err := dec(params)
	if err != nil {
		return nil, shared.NewProtocolError(method, "invalid params", err)
	}
	return call, nil
}
