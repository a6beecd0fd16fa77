/*
Package ring implements the worker's consistent-hash placement: choosing a
gap-weighted random position on join, computing the contiguous range a node
owns given the region's alive set and a replication factor, and iterating a
range's bucket indices without the original implementation's boundary bug.
*/
package ring
