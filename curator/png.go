package curator

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// workflowKeys are the tEXt keywords that may carry embedded workflow JSON.
var workflowKeys = map[string]bool{"workflow": true, "prompt": true}

// extractPNGWorkflow scans a PNG's tEXt chunks for an embedded workflow and
// returns the JSON payload. Returns nil when none is present.
func extractPNGWorkflow(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("not a png")
	}
	rest := data[len(pngSignature):]
	for len(rest) >= 12 {
		length := binary.BigEndian.Uint32(rest[:4])
		typ := string(rest[4:8])
		if uint64(len(rest)) < 12+uint64(length) {
			return nil, fmt.Errorf("truncated chunk %s", typ)
		}
		chunk := rest[8 : 8+length]
		if typ == "tEXt" {
			if payload := textChunkWorkflow(chunk); payload != nil {
				return payload, nil
			}
		}
		if typ == "IEND" {
			break
		}
		rest = rest[12+length:]
	}
	return nil, nil
}

// textChunkWorkflow splits a tEXt chunk into keyword and text and returns
// the text when the keyword is a workflow key and the text is a JSON object.
func textChunkWorkflow(chunk []byte) []byte {
	sep := bytes.IndexByte(chunk, 0)
	if sep < 0 {
		return nil
	}
	key := string(chunk[:sep])
	if !workflowKeys[key] {
		return nil
	}
	text := bytes.TrimSpace(chunk[sep+1:])
	if !looksLikeJSONObject(text) {
		return nil
	}
	return text
}

func looksLikeJSONObject(b []byte) bool {
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	var v map[string]any
	return jsonx.Unmarshal(b, &v) == nil
}
