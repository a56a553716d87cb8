// Package loader reads and writes state dictionaries in the SafeTensors
// format.
//
// Pretrained ResNet weights exported from PyTorch are usually stored as
// F32, F16 or BF16; floating-point tensors of any width are converted to
// float32 on load, integer buffers (num_batches_tracked) keep their width.
//
// Example:
//
//	state, err := loader.ReadStateDict("resnet50.safetensors", tensor.CPU)
//	if err != nil {
//	    return err
//	}
//	report := resnet.MergePretrained(model, state, resnet.MergeOptions{})
//
// Format:
//
//	[8 bytes: header_size (uint64 LE)]
//	[header_size bytes: JSON header]
//	[tensor data: raw little-endian bytes]
package loader
