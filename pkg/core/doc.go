// Package core defines the shared language of the mergekit system.
//
// This package contains:
//   - Model checkpoint identity (ModelRef)
//   - Tensor metadata (WeightInfo)
//   - Scalar element types (DType)
//   - Layer addressing (LayerRange)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
