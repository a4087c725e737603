package ratchet

// HKDF labels, exact ASCII strings with no trailing null. The label set is
// closed: labels never vary between peers or across protocol versions.
const (
	labelCombined = "PQ-FSR combined"
	labelRoot     = "PQ-FSR root"
	labelChainAB  = "PQ-FSR chain A->B"
	labelChainBA  = "PQ-FSR chain B->A"
	labelMsg      = "PQ-FSR msg"
	labelNonce    = "PQ-FSR nonce"
	labelChain    = "PQ-FSR chain"
	labelTag      = "PQ-FSR tag"
	labelAtRest   = "PQ-FSR at-rest"
)

// chainLabels returns (sendLabel, recvLabel) for the given role. The
// initiator's send label is the responder's recv label and vice versa, so
// both parties derive matching chains from the same root.
func chainLabels(isInitiator bool) (send, recv string) {
	if isInitiator {
		return labelChainAB, labelChainBA
	}
	return labelChainBA, labelChainAB
}
