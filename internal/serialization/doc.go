// Package serialization saves and loads network weights in SafeTensors
// format.
//
//	Format Structure:
//	  [8 bytes: Header Size (uint64 LE)]
//	  [Header: JSON, tensor name -> {dtype, shape, data_offsets}]
//	  [Tensor data: raw little-endian float32, tensors in name order]
//
// Every file written here carries a SHA-256 checksum of the data section
// in its "__metadata__" block; Read verifies it when present. Headers are
// validated before any data is read (tensor names, offsets, sizes).
//
// Example usage:
//
//	err := serialization.WriteSafeTensors("weights.safetensors", tensors, map[string]string{
//	    "epoch": "3",
//	})
//
//	f, err := serialization.ReadSafeTensors("weights.safetensors")
//	w := f.Tensors["0.gru.0.wx"]
package serialization
