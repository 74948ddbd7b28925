package ledger

// Built-in ABI fragments for the client's view of each contract. A
// deployment can override any of these with <abi-dir>/<Name>.json (raw ABI
// array, or a forge artifact with a top-level "abi" key).

var defaultABIs = map[string]string{
	"LuminoToken": `[
		{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
	]`,
	"AccessManager": `[]`,
	"WhitelistManager": `[
		{"type":"function","name":"isWhitelisted","stateMutability":"view","inputs":[{"name":"cp","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
	]`,
	"NodeManager": `[
		{"type":"function","name":"registerNode","stateMutability":"nonpayable","inputs":[{"name":"computeRating","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"getNodeOwner","stateMutability":"view","inputs":[{"name":"nodeId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
		{"type":"function","name":"getStakeRequirement","stateMutability":"view","inputs":[{"name":"cp","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"event","name":"NodeRegistered","anonymous":false,"inputs":[{"name":"cp","type":"address","indexed":false},{"name":"nodeId","type":"uint256","indexed":false}]}
	]`,
	"IncentiveManager": `[
		{"type":"function","name":"processAll","stateMutability":"nonpayable","inputs":[],"outputs":[]}
	]`,
	"NodeEscrow": `[
		{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"getBalance","stateMutability":"view","inputs":[{"name":"cp","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`,
	"JobEscrow": `[
		{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"getBalance","stateMutability":"view","inputs":[{"name":"submitter","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`,
	"LeaderManager": `[
		{"type":"function","name":"submitCommitment","stateMutability":"nonpayable","inputs":[{"name":"nodeId","type":"uint256"},{"name":"commitment","type":"bytes32"}],"outputs":[]},
		{"type":"function","name":"revealSecret","stateMutability":"nonpayable","inputs":[{"name":"nodeId","type":"uint256"},{"name":"secret","type":"bytes32"}],"outputs":[]},
		{"type":"function","name":"electLeader","stateMutability":"nonpayable","inputs":[],"outputs":[]},
		{"type":"function","name":"getCurrentLeader","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`,
	"EpochManager": `[
		{"type":"function","name":"getCurrentEpoch","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"getEpochState","stateMutability":"view","inputs":[],"outputs":[{"name":"state","type":"uint8"},{"name":"timeLeft","type":"uint256"}]}
	]`,
	"JobManager": `[
		{"type":"function","name":"submitJob","stateMutability":"nonpayable","inputs":[{"name":"args","type":"string"},{"name":"baseModelName","type":"string"},{"name":"requiredRating","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"getJobsByNode","stateMutability":"view","inputs":[{"name":"nodeId","type":"uint256"}],"outputs":[{"name":"","type":"uint256[]"}]},
		{"type":"function","name":"getJobStatus","stateMutability":"view","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"","type":"uint8"}]},
		{"type":"function","name":"getAssignedNode","stateMutability":"view","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"getJobSubmitter","stateMutability":"view","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
		{"type":"function","name":"getJobArgs","stateMutability":"view","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"args","type":"string"},{"name":"baseModelName","type":"string"}]},
		{"type":"function","name":"getJobsBySubmitter","stateMutability":"view","inputs":[{"name":"submitter","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
		{"type":"function","name":"wasJobDisputed","stateMutability":"view","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"confirmJob","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"completeJob","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"failJob","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
		{"type":"function","name":"setTokenCountForJob","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"},{"name":"tokenCount","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"processPayment","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"startAssignmentRound","stateMutability":"nonpayable","inputs":[],"outputs":[]},
		{"type":"function","name":"wasAssignmentRoundStarted","stateMutability":"view","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"type":"event","name":"JobSubmitted","anonymous":false,"inputs":[{"name":"submitter","type":"address","indexed":false},{"name":"jobId","type":"uint256","indexed":false}]}
	]`,
}
