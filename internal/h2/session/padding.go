package session

// paddingFunc maps a frame's natural payload length and the maximum payload
// the codec allows to the padded payload length. The result is always within
// [frameLen, maxPayloadLen].
type paddingFunc func(frameLen, maxPayloadLen int) int

// resolvePadding picks the padding function once, at construction. The
// callback variant closes over the application hook so the per-frame path is
// a plain indirect call with no strategy re-dispatch.
func resolvePadding(strategy PaddingStrategy, hook func(frameLen, maxPayloadLen int) int) paddingFunc {
	switch strategy {
	case PaddingAligned:
		return alignedPadding
	case PaddingMax:
		return maxPadding
	case PaddingCallback:
		if hook == nil {
			return noPadding
		}
		return func(frameLen, maxPayloadLen int) int {
			return clampPadding(hook(frameLen, maxPayloadLen), frameLen, maxPayloadLen)
		}
	default:
		return noPadding
	}
}

func noPadding(frameLen, _ int) int { return frameLen }

// alignedPadding rounds the on-wire frame size (payload plus the 9-byte
// header) up to the next multiple of 8, capped at the allowed maximum.
func alignedPadding(frameLen, maxPayloadLen int) int {
	r := (frameLen + frameHeaderLen) % 8
	if r == 0 {
		return frameLen
	}
	padded := frameLen + (8 - r)
	if padded > maxPayloadLen {
		return maxPayloadLen
	}
	return padded
}

func maxPadding(_, maxPayloadLen int) int { return maxPayloadLen }

func clampPadding(n, frameLen, maxPayloadLen int) int {
	if n < frameLen {
		return frameLen
	}
	if n > maxPayloadLen {
		return maxPayloadLen
	}
	return n
}
