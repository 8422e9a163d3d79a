// Package changes decides which scanned files need indexing.
//
// A file whose size and modification time match the catalog is unchanged
// without being read. Otherwise its content is hashed: an equal hash means
// the file was only touched, a different one means it was modified.
// Cataloged files missing from a scan are deleted, limited to the scanned
// scope so a partial refresh never retires files outside it.
package changes
