// Comfybatch drives a ComfyUI server over a directory of images. Each subfolder of the
// input directory contributes its first image, which is uploaded, fed to the "Load Image"
// node of a workflow template and run. The images produced by the workflow's "Save Image"
// node are written to the output directory, named after the subfolder they came from.
//
// The client package is a small ComfyUI API client, graphapi loads API-format workflows
// and batch holds the driver. The comfybatch command wires them together.
package comfybatch
