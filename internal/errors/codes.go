package errors

import "fmt"

// ResultCode represents internal result codes for cluster operations
type ResultCode uint32

const (
	// Success
	ResOK ResultCode = 0

	// Admission errors
	ResInvalidCtime ResultCode = 1000
	ResOldNodeVer   ResultCode = 1001
	ResNewNodeVer   ResultCode = 1002
	ResInvalidEpoch ResultCode = 1003
	ResNotFormatted ResultCode = 1004
	ResShutdown     ResultCode = 1005
	ResVerMismatch  ResultCode = 1006

	// I/O and infrastructure errors
	ResEIO         ResultCode = 2000
	ResUnavailable ResultCode = 2001
	ResNoStore     ResultCode = 2002
)

// resultMessages maps result codes to human-readable messages
var resultMessages = map[ResultCode]string{
	ResOK:           "success",
	ResInvalidCtime: "joining node has a different cluster creation time",
	ResOldNodeVer:   "joining node has a newer epoch than the cluster",
	ResNewNodeVer:   "joining node has an older epoch than the cluster",
	ResInvalidEpoch: "joining node has an inconsistent epoch history",
	ResNotFormatted: "cluster is not formatted",
	ResShutdown:     "cluster is shutting down",
	ResVerMismatch:  "protocol version mismatch",
	ResEIO:          "remote I/O error",
	ResUnavailable:  "cluster is unavailable",
	ResNoStore:      "backend store is not configured",
}

// String returns the human-readable message for a result code
func (c ResultCode) String() string {
	if msg, ok := resultMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("unknown result code %d", uint32(c))
}

// ClusterError wraps a ResultCode as an error
type ClusterError struct {
	Code ResultCode
}

// NewClusterError creates a new cluster error from a result code
func NewClusterError(code ResultCode) *ClusterError {
	return &ClusterError{Code: code}
}

// Error implements the error interface
func (e *ClusterError) Error() string {
	return e.Code.String()
}

// CodeOf extracts the ResultCode from an error, ResEIO if it is not a ClusterError
func CodeOf(err error) ResultCode {
	if err == nil {
		return ResOK
	}
	if ce, ok := err.(*ClusterError); ok {
		return ce.Code
	}
	return ResEIO
}

// JoinResult is the verdict delivered for a membership proposal
type JoinResult int

const (
	// JoinSuccess admits the joiner into the cluster
	JoinSuccess JoinResult = iota
	// JoinFail rejects the joiner outright
	JoinFail
	// JoinLater rejects the joiner until the cluster starts working
	JoinLater
	// JoinMasterTransfer hands authoritative cluster state to the joiner
	JoinMasterTransfer
)

// String returns the name of a join verdict
func (r JoinResult) String() string {
	switch r {
	case JoinSuccess:
		return "success"
	case JoinFail:
		return "fail"
	case JoinLater:
		return "join_later"
	case JoinMasterTransfer:
		return "master_transfer"
	default:
		return fmt.Sprintf("join_result(%d)", int(r))
	}
}
