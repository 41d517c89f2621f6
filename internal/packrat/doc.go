// Package packrat holds the types shared by all parts of the repository:
// content ids, blob handles and sets, the repository config and the
// interfaces that connect the index, the repository and its consumers.
package packrat
