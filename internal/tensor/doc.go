// Package tensor provides the core tensor types shared by the Lumen engine:
// shapes, runtime data types, and the host-resident RawTensor buffer that
// crosses the CPU/GPU boundary.
package tensor
