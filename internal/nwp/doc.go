// Package nwp defines the domain model shared by every pipeline stage:
// the canonical variable vocabulary, grid geometry, raw and canonical
// array forms, file references, and init-time windows.
//
// Every value crossing a stage boundary is one of these types. Providers
// produce FileReferences, the fetcher turns them into StagedFiles, decoders
// produce RawData, and the normalizer emits Arrays that the store persists.
// Missing grid points are NaN (float32) everywhere; nothing in the pipeline
// may coerce them to zero.
package nwp
