package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// UploadFileFromReader uploads the data read from r to the server under filename.
// It returns the name the server stored the file under, qualified with its
// subfolder, which is the value a LoadImage node expects.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	// Create a buffer to store the request body
	var requestBody bytes.Buffer

	// Create a multipart writer to wrap the file (like FormData)
	writer := multipart.NewWriter(&requestBody)

	// Create a form-file for the image and copy the image data into it
	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(formFile, r)
	if err != nil {
		return "", err
	}

	_ = writer.WriteField("overwrite", fmt.Sprintf("%v", overwrite))
	_ = writer.WriteField("type", string(filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}

	// Close the writer to finalize the body content
	if err := writer.Close(); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, c.endpoint("upload/image", nil), writer.FormDataContentType(), &requestBody)
	if err != nil {
		return "", err
	}
	body, err := readBody(resp)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}

	var data uploadResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", err
	}
	if data.Name == "" {
		return "", fmt.Errorf("invalid response format")
	}

	// the name chosen on the server side may differ from the one we provided
	// when overwrite is off
	if data.Subfolder != "" {
		return data.Subfolder + "/" + data.Name, nil
	}
	return data.Name, nil
}

func (c *ComfyClient) UploadFileFromPath(ctx context.Context, filePath string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return c.UploadFileFromReader(ctx, file, filepath.Base(filePath), overwrite, filetype, subfolder)
}

// UploadImage stores an input image under name, replacing any file of the
// same name left by an earlier upload
func (c *ComfyClient) UploadImage(ctx context.Context, r io.Reader, name string) (string, error) {
	return c.UploadFileFromReader(ctx, r, name, true, InputImageType, "")
}
