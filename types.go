package leafdb

// TxnID is a monotonically increasing transaction identifier. It defines
// snapshot ordering: a reader's visible state is exactly what was
// committed by the writer whose TxnID equals the snapshot it captured.
type TxnID uint64
