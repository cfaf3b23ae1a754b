package graphapi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// maxTextChunkSize bounds the tEXt chunks read into memory. Embedded
// workflows are a few hundred kilobytes at most.
const maxTextChunkSize = 32 << 20

// GetPngMetadata returns the keyword/text pairs of every tEXt chunk in a PNG stream
func GetPngMetadata(r io.Reader) (map[string]string, error) {
	header := make([]byte, 8)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(header, pngSignature) {
		return nil, errors.New("not a valid PNG file")
	}

	txtChunks := make(map[string]string)

	for {
		var length uint32
		err = binary.Read(r, binary.BigEndian, &length)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		chunkType := make([]byte, 4)
		_, err = io.ReadFull(r, chunkType)
		if err != nil {
			return nil, err
		}

		if string(chunkType) == "tEXt" {
			if length > maxTextChunkSize {
				return nil, fmt.Errorf("tEXt chunk of %d bytes is too large", length)
			}
			chunkData := make([]byte, length)
			_, err = io.ReadFull(r, chunkData)
			if err != nil {
				return nil, err
			}

			keywordEnd := bytes.IndexByte(chunkData, 0)
			if keywordEnd == -1 {
				return nil, errors.New("malformed tEXt chunk")
			}

			txtChunks[string(chunkData[:keywordEnd])] = string(chunkData[keywordEnd+1:])
		} else {
			_, err = io.CopyN(io.Discard, r, int64(length))
			if err != nil {
				return nil, err
			}
		}

		// skip the CRC
		_, err = io.CopyN(io.Discard, r, 4)
		if err != nil {
			return nil, err
		}

		if string(chunkType) == "IEND" {
			break
		}
	}

	return txtChunks, nil
}

// PromptFromPNGReader returns the API format workflow JSON that ComfyUI stores
// in the "prompt" metadata of its output images
func PromptFromPNGReader(r io.Reader) ([]byte, error) {
	metadata, err := GetPngMetadata(r)
	if err != nil {
		return nil, err
	}

	prompt, ok := metadata["prompt"]
	if !ok {
		return nil, errors.New("png does not contain prompt metadata")
	}
	return []byte(prompt), nil
}

// NewWorkflowFromPNGReader loads the workflow embedded in a ComfyUI output image
func NewWorkflowFromPNGReader(r io.Reader) (*Workflow, error) {
	prompt, err := PromptFromPNGReader(r)
	if err != nil {
		return nil, err
	}
	return NewWorkflowFromJsonBytes(prompt)
}

// NewWorkflowFromPNGFile extracts the API format workflow from a ComfyUI PNG file
func NewWorkflowFromPNGFile(path string) (*Workflow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return NewWorkflowFromPNGReader(file)
}
